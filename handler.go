package beacon

import (
	"net/http"
	"sync"
)

// Handler is the capability interface consumers implement to plug into the
// interception pipeline. RUM resource tracking, trace propagation reporting
// and the SDK's own event writer are all Handlers.
//
// FirstPartyHosts contributes hosts to the merged first-party table. Modify
// may rewrite the outgoing request's headers and return the trace context it
// injected; handlers that do not inject return the request unchanged and a
// nil context. The lifecycle notifications run on the interceptor's serial
// queue: handlers must not block there, heavy work has to be offloaded.
type Handler interface {
	FirstPartyHosts() HostTable
	Modify(req *http.Request, encodings []HeaderEncoding) (*http.Request, *TraceContext)
	OnInterceptionStart(record *InterceptionRecord)
	OnInterceptionComplete(record *InterceptionRecord)
}

// handlerRegistry is an ordered collection of Handlers. Registration happens
// at most a few times per process lifetime; reads happen on every request,
// hence the RWMutex.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (r *handlerRegistry) register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// list returns a snapshot of the registered handlers in registration order.
func (r *handlerRegistry) list() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// firstPartyHosts returns the union of every handler's host table.
func (r *handlerRegistry) firstPartyHosts() HostTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var table HostTable
	for _, h := range r.handlers {
		table = table.Union(h.FirstPartyHosts())
	}
	return table
}

func (r *handlerRegistry) notifyStart(record *InterceptionRecord) {
	for _, h := range r.list() {
		h.OnInterceptionStart(record)
	}
}

func (r *handlerRegistry) notifyComplete(record *InterceptionRecord) {
	for _, h := range r.list() {
		h.OnInterceptionComplete(record)
	}
}

// NoopHandler provides no-op implementations of the Handler capabilities so
// partial handlers can embed it and implement only what they need.
type NoopHandler struct{}

func (NoopHandler) FirstPartyHosts() HostTable { return HostTable{} }

func (NoopHandler) Modify(req *http.Request, _ []HeaderEncoding) (*http.Request, *TraceContext) {
	return req, nil
}

func (NoopHandler) OnInterceptionStart(*InterceptionRecord) {}

func (NoopHandler) OnInterceptionComplete(*InterceptionRecord) {}
