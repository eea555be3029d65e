package beacon

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"
)

// Header names written by the built-in trace propagation handler.
const (
	datadogTraceIDHeader          = "x-datadog-trace-id"
	datadogParentIDHeader         = "x-datadog-parent-id"
	datadogSamplingPriorityHeader = "x-datadog-sampling-priority"
	datadogOriginHeader           = "x-datadog-origin"
	datadogOriginRUM              = "rum"

	traceparentHeader = "traceparent"

	b3Header        = "b3"
	b3TraceIDHeader = "X-B3-TraceId"
	b3SpanIDHeader  = "X-B3-SpanId"
	b3SampledHeader = "X-B3-Sampled"
)

// injector rewrites outgoing first-party requests with correlation headers.
// It asks each registered handler, in registration order, to modify the
// request; every trace context the handlers return is collected.
type injector struct {
	handlers *handlerRegistry
}

// Intercept decides whether req targets a first-party host (own table
// unioned with additionalHosts), and if so passes it through every handler's
// Modify. The possibly rewritten request is returned together with the
// collected trace contexts. Requests to unmatched hosts pass through
// untouched with an empty context list.
func (n *injector) Intercept(req *http.Request, additionalHosts HostTable) (*http.Request, []TraceContext) {
	table := n.handlers.firstPartyHosts().Union(additionalHosts)
	encodings := table.Match(req.URL)
	if len(encodings) == 0 {
		return req, nil
	}

	var contexts []TraceContext
	for _, h := range n.handlers.list() {
		modified, tc := h.Modify(req, encodings)
		if modified != nil {
			req = modified
		}
		if tc != nil {
			contexts = append(contexts, *tc)
		}
	}
	return req, contexts
}

// TracePropagationHandler is the SDK's built-in header-injecting Handler. It
// generates one trace context per matched request, samples it at the
// configured rate and writes correlation headers in every encoding the host
// table requested. Unsampled requests still carry headers, with the sampled
// flag cleared, so the backend can count discarded traces.
type TracePropagationHandler struct {
	NoopHandler

	hosts      HostTable
	sampleRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTracePropagationHandler returns a handler contributing the given hosts
// to the first-party table and sampling injected traces at sampleRate
// (0.0–1.0).
func NewTracePropagationHandler(hosts HostTable, sampleRate float64, seed int64) *TracePropagationHandler {
	return &TracePropagationHandler{
		hosts:      hosts,
		sampleRate: sampleRate,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// FirstPartyHosts returns the hosts this handler was configured with.
func (h *TracePropagationHandler) FirstPartyHosts() HostTable { return h.hosts }

// Modify injects correlation headers for every requested encoding and
// returns the generated trace context.
func (h *TracePropagationHandler) Modify(req *http.Request, encodings []HeaderEncoding) (*http.Request, *TraceContext) {
	tc := NewTraceContext(h.sample())

	for _, encoding := range encodings {
		switch encoding {
		case HeaderEncodingDatadog:
			injectDatadogHeaders(req.Header, tc)
		case HeaderEncodingTraceContext:
			injectTraceParentHeader(req.Header, tc)
		case HeaderEncodingB3:
			injectB3Header(req.Header, tc)
		case HeaderEncodingB3Multi:
			injectB3MultiHeaders(req.Header, tc)
		}
	}
	return req, &tc
}

func (h *TracePropagationHandler) sample() bool {
	if h.sampleRate >= 1 {
		return true
	}
	if h.sampleRate <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64() < h.sampleRate
}

func injectDatadogHeaders(header http.Header, tc TraceContext) {
	header.Set(datadogTraceIDHeader, fmt.Sprintf("%d", tc.TraceID.Low64()))
	header.Set(datadogParentIDHeader, fmt.Sprintf("%d", tc.SpanID.Uint64()))
	if tc.Sampled {
		header.Set(datadogSamplingPriorityHeader, "1")
	} else {
		header.Set(datadogSamplingPriorityHeader, "0")
	}
	header.Set(datadogOriginHeader, datadogOriginRUM)
}

func injectTraceParentHeader(header http.Header, tc TraceContext) {
	flags := "00"
	if tc.Sampled {
		flags = "01"
	}
	header.Set(traceparentHeader, fmt.Sprintf("00-%s-%s-%s", tc.TraceID, tc.SpanID, flags))
}

func injectB3Header(header http.Header, tc TraceContext) {
	sampled := "0"
	if tc.Sampled {
		sampled = "1"
	}
	header.Set(b3Header, fmt.Sprintf("%s-%s-%s", tc.TraceID, tc.SpanID, sampled))
}

func injectB3MultiHeaders(header http.Header, tc TraceContext) {
	header.Set(b3TraceIDHeader, tc.TraceID.String())
	header.Set(b3SpanIDHeader, tc.SpanID.String())
	if tc.Sampled {
		header.Set(b3SampledHeader, "1")
	} else {
		header.Set(b3SampledHeader, "0")
	}
}
