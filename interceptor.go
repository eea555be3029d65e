package beacon

import (
	"sync"
	"time"

	"github.com/beacon-telemetry/beacon-go/internal/debuglog"
)

const defaultTaskQueueSize = 1000

// Interceptor is the interception registry: it merges the asynchronous
// notifications of a network operation's lifecycle (start, data, metrics,
// completion) into one InterceptionRecord per operation identity.
//
// All mutations of the per-identity record map run on a single serial queue (a
// dedicated goroutine draining a task channel), which linearizes registry
// mutations without per-record locks. Notifications for one operation may
// arrive on different goroutines of the underlying network stack; the queue
// merges them deterministically.
type Interceptor struct {
	handlers *handlerRegistry

	tasks   chan func()
	records map[OperationID]*InterceptionRecord

	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

func newInterceptor(handlers *handlerRegistry) *Interceptor {
	i := &Interceptor{
		handlers: handlers,
		tasks:    make(chan func(), defaultTaskQueueSize),
		records:  make(map[OperationID]*InterceptionRecord),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go i.run()
	return i
}

func (i *Interceptor) run() {
	defer close(i.finished)
	for {
		select {
		case task := <-i.tasks:
			task()
		case <-i.done:
			// Drain whatever was enqueued before close.
			for {
				select {
				case task := <-i.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// enqueue schedules a mutation on the serial queue. If the queue is full or
// the interceptor is closed the task is dropped; telemetry loss is always
// preferred over blocking the host application.
func (i *Interceptor) enqueue(task func()) {
	select {
	case <-i.done:
		return
	default:
	}
	select {
	case i.tasks <- task:
	default:
		debuglog.Println("interception task dropped, queue full")
	}
}

// StartIntercepting registers a new operation. The request snapshot must
// already be frozen on the caller's goroutine (see SnapshotRequest);
// contexts are the trace contexts injected into the outgoing request, if
// any. Handlers are notified of the start on the serial queue.
func (i *Interceptor) StartIntercepting(id OperationID, request RequestSnapshot, firstParty bool, contexts ...TraceContext) {
	i.enqueue(func() {
		if _, exists := i.records[id]; exists {
			return
		}
		record := newInterceptionRecord(id, request, firstParty, contexts)
		i.records[id] = record
		i.handlers.notifyStart(record)
	})
}

// RegisterData accumulates a data-received notification for the operation.
// Unknown identities are ignored: callback ordering from the network stack
// is not guaranteed.
func (i *Interceptor) RegisterData(id OperationID, byteCount int64) {
	i.enqueue(func() {
		record, ok := i.records[id]
		if !ok {
			return
		}
		record.receivedBytes += byteCount
	})
}

// RegisterMetrics attaches the timing breakdown to the operation. If a
// terminal outcome was already registered this finishes the record.
func (i *Interceptor) RegisterMetrics(id OperationID, metrics Metrics) {
	i.enqueue(func() {
		record, ok := i.records[id]
		if !ok {
			return
		}
		record.metrics = &metrics
		i.finishIfDone(record)
	})
}

// RegisterCompletion attaches the terminal outcome (response or error) to
// the operation. If metrics were already registered this finishes the
// record. Completion is idempotent per identity: once the record has been
// finished and evicted, further notifications for the same identity are
// no-ops.
func (i *Interceptor) RegisterCompletion(id OperationID, response *ResponseSnapshot, err error) {
	i.enqueue(func() {
		record, ok := i.records[id]
		if !ok {
			return
		}
		if record.outcomeSet {
			return
		}
		record.response = response
		record.err = err
		record.outcomeSet = true
		record.completedAt = time.Now()
		i.finishIfDone(record)
	})
}

// finishIfDone runs on the serial queue. Once both outcome and metrics are
// present the record is evicted and handed to handlers exactly once; from
// that point the record is immutable.
func (i *Interceptor) finishIfDone(record *InterceptionRecord) {
	if !record.done() {
		return
	}
	delete(i.records, record.id)
	i.handlers.notifyComplete(record)
}

// Flush blocks until every task enqueued before the call has been processed,
// or the timeout elapses. It reports whether the queue drained in time. This
// is a barrier for tests and shutdown, not a steady-state operation.
func (i *Interceptor) Flush(timeout time.Duration) bool {
	barrier := make(chan struct{})
	select {
	case i.tasks <- func() { close(barrier) }:
	case <-i.done:
		return true
	case <-time.After(timeout):
		return false
	}

	select {
	case <-barrier:
		return true
	case <-i.finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the serial queue after draining already-enqueued tasks.
// In-flight records are abandoned; subsequent notifications are dropped.
func (i *Interceptor) Close() {
	i.closeOnce.Do(func() {
		close(i.done)
		<-i.finished
	})
}
