// Package beaconhttpclient hooks the SDK into outgoing net/http traffic.
// It is compatible with `net/http.RoundTripper`.
//
//	import beaconhttpclient "github.com/beacon-telemetry/beacon-go/httpclient"
//
//	roundTripper := beaconhttpclient.NewRoundTripper(nil, client)
//	httpClient := &http.Client{
//		Transport: roundTripper,
//	}
//
// Every request executed through the wrapped transport is observed for the
// full lifecycle the interception registry expects: a start notification,
// data-received notifications as the response body is read, a
// metrics-collected notification with the connection timing breakdown, and
// a completion notification carrying the response or error.
package beaconhttpclient

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/google/uuid"

	beacon "github.com/beacon-telemetry/beacon-go"
)

// NewRoundTripper wraps base so that every request issued through it is
// intercepted by the client's pipeline. A nil base falls back to
// http.DefaultTransport.
func NewRoundTripper(base http.RoundTripper, client *beacon.Client) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base, client: client}
}

type roundTripper struct {
	base   http.RoundTripper
	client *beacon.Client
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	id := beacon.OperationID(uuid.NewString())
	interceptor := t.client.Interceptor()

	// RoundTrippers must not mutate the caller's request; clone before
	// header injection.
	req = req.Clone(req.Context())
	req, contexts, firstParty := t.client.InterceptRequest(req)

	// Snapshot on this goroutine, before the registry sees the operation:
	// the host may mutate its request object afterwards.
	snapshot := beacon.SnapshotRequest(req)
	interceptor.StartIntercepting(id, snapshot, firstParty, contexts...)

	phases := &timingPhases{fetchStart: time.Now()}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), phases.clientTrace()))

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		interceptor.RegisterMetrics(id, phases.metrics(time.Now()))
		interceptor.RegisterCompletion(id, nil, err)
		return nil, err
	}

	response := &beacon.ResponseSnapshot{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
	resp.Body = &observedBody{
		body:        resp.Body,
		id:          id,
		interceptor: interceptor,
		phases:      phases,
		response:    response,
	}
	return resp, nil
}

// timingPhases accumulates httptrace callbacks into a Metrics value.
// Callbacks may fire on transport goroutines, hence the mutex.
type timingPhases struct {
	mu         sync.Mutex
	fetchStart time.Time
	dns        beacon.MetricsInterval
	connect    beacon.MetricsInterval
	tlsPhase   beacon.MetricsInterval
	firstByte  time.Time
}

func (p *timingPhases) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			p.mu.Lock()
			p.dns.Start = time.Now()
			p.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			p.mu.Lock()
			p.dns.End = time.Now()
			p.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			p.mu.Lock()
			if p.connect.Start.IsZero() {
				p.connect.Start = time.Now()
			}
			p.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			p.mu.Lock()
			p.connect.End = time.Now()
			p.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			p.mu.Lock()
			p.tlsPhase.Start = time.Now()
			p.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			p.mu.Lock()
			p.tlsPhase.End = time.Now()
			p.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			p.mu.Lock()
			p.firstByte = time.Now()
			p.mu.Unlock()
		},
	}
}

func (p *timingPhases) metrics(fetchEnd time.Time) beacon.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := beacon.Metrics{
		Fetch: beacon.MetricsInterval{Start: p.fetchStart, End: fetchEnd},
	}
	if !p.dns.Start.IsZero() && !p.dns.End.IsZero() {
		dns := p.dns
		m.DNS = &dns
	}
	if !p.connect.Start.IsZero() && !p.connect.End.IsZero() {
		connect := p.connect
		m.Connect = &connect
	}
	if !p.tlsPhase.Start.IsZero() && !p.tlsPhase.End.IsZero() {
		tlsPhase := p.tlsPhase
		m.TLS = &tlsPhase
	}
	if !p.firstByte.IsZero() {
		m.FirstByte = &beacon.MetricsInterval{Start: p.fetchStart, End: p.firstByte}
	}
	return m
}

// observedBody counts response bytes as the host reads them and registers
// metrics plus completion when the body is exhausted or closed. Completion
// fires once even if the host both reads to EOF and calls Close.
type observedBody struct {
	body        io.ReadCloser
	id          beacon.OperationID
	interceptor *beacon.Interceptor
	phases      *timingPhases
	response    *beacon.ResponseSnapshot

	once sync.Once
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.interceptor.RegisterData(b.id, int64(n))
	}
	if err == io.EOF {
		b.complete()
	}
	return n, err
}

func (b *observedBody) Close() error {
	err := b.body.Close()
	b.complete()
	return err
}

func (b *observedBody) complete() {
	b.once.Do(func() {
		b.interceptor.RegisterMetrics(b.id, b.phases.metrics(time.Now()))
		b.interceptor.RegisterCompletion(b.id, b.response, nil)
	})
}
