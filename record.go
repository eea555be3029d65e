package beacon

import (
	"net/http"
	"net/url"
	"time"
)

// OperationID identifies a single network operation across the
// notifications delivered by the network-stack hook. It is opaque to the
// interception engine; hooks usually generate one UUID per request.
type OperationID string

// RequestSnapshot is an immutable copy of the parts of an outgoing request
// the SDK cares about. It is captured on the caller's goroutine before the
// interception engine sees it, so later mutation of the original request by
// the host cannot race with interception processing.
type RequestSnapshot struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// SnapshotRequest freezes req into a RequestSnapshot. The URL and headers
// are deep-copied.
func SnapshotRequest(req *http.Request) RequestSnapshot {
	snapshot := RequestSnapshot{
		Method: req.Method,
		Header: req.Header.Clone(),
	}
	if req.URL != nil {
		u := *req.URL
		snapshot.URL = &u
	}
	return snapshot
}

// ResponseSnapshot is the terminal response captured for an interception
// record: status code and response headers, nothing else.
type ResponseSnapshot struct {
	StatusCode int
	Header     http.Header
}

// MetricsInterval is a closed time interval within a request's lifecycle.
type MetricsInterval struct {
	Start time.Time
	End   time.Time
}

// Duration returns End minus Start.
func (i MetricsInterval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Metrics is the timing breakdown of one network operation. Fetch spans the
// whole operation; the phase intervals are nil when the underlying stack did
// not report them (reused connections skip DNS/Connect/TLS).
type Metrics struct {
	Fetch     MetricsInterval
	DNS       *MetricsInterval
	Connect   *MetricsInterval
	TLS       *MetricsInterval
	FirstByte *MetricsInterval
}

// InterceptionRecord accumulates every notification observed for one network
// operation. Records are mutated only on the interceptor's serial queue;
// once the record has been handed to handlers it is no longer mutated and
// may be read from any goroutine.
type InterceptionRecord struct {
	id            OperationID
	request       RequestSnapshot
	firstParty    bool
	traceContexts []TraceContext

	receivedBytes int64
	metrics       *Metrics

	response    *ResponseSnapshot
	err         error
	outcomeSet  bool
	completedAt time.Time
}

func newInterceptionRecord(id OperationID, request RequestSnapshot, firstParty bool, contexts []TraceContext) *InterceptionRecord {
	return &InterceptionRecord{
		id:            id,
		request:       request,
		firstParty:    firstParty,
		traceContexts: contexts,
	}
}

// ID returns the operation identity of this record.
func (r *InterceptionRecord) ID() OperationID { return r.id }

// Request returns the frozen request snapshot.
func (r *InterceptionRecord) Request() RequestSnapshot { return r.request }

// IsFirstParty reports whether the request targeted a configured
// first-party host.
func (r *InterceptionRecord) IsFirstParty() bool { return r.firstParty }

// TraceContext returns the canonical trace context injected into this
// operation's request, or nil if none was injected. When multiple handlers
// injected competing contexts, the first one wins; TraceContexts exposes
// the full list.
func (r *InterceptionRecord) TraceContext() *TraceContext {
	if len(r.traceContexts) == 0 {
		return nil
	}
	tc := r.traceContexts[0]
	return &tc
}

// TraceContexts returns all trace contexts injected into this operation's
// request, in handler registration order.
func (r *InterceptionRecord) TraceContexts() []TraceContext {
	out := make([]TraceContext, len(r.traceContexts))
	copy(out, r.traceContexts)
	return out
}

// ReceivedBytes returns the sum of all data notifications.
func (r *InterceptionRecord) ReceivedBytes() int64 { return r.receivedBytes }

// Metrics returns the timing breakdown, or nil if not yet collected.
func (r *InterceptionRecord) Metrics() *Metrics { return r.metrics }

// Response returns the terminal response, or nil if the operation failed
// before a response arrived.
func (r *InterceptionRecord) Response() *ResponseSnapshot { return r.response }

// Err returns the terminal error, or nil if the operation completed with a
// response.
func (r *InterceptionRecord) Err() error { return r.err }

// CompletedAt returns the time the terminal outcome was registered.
func (r *InterceptionRecord) CompletedAt() time.Time { return r.completedAt }

// done reports whether both a terminal outcome and metrics have been
// registered. Only then is the record forwarded to handlers and evicted.
func (r *InterceptionRecord) done() bool {
	return r.outcomeSet && r.metrics != nil
}
