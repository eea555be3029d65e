package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beacon-telemetry/beacon-go/internal/batch"
	"github.com/beacon-telemetry/beacon-go/internal/debuglog"
)

// State is the scheduler's observable state, for diagnostics and tests.
type State int32

const (
	// StateIdle means no upload is in progress and no delay is pending.
	StateIdle State = iota
	// StateUploading means an attempt is in flight.
	StateUploading
	// StateWaiting means the scheduler sits out its adaptive delay.
	StateWaiting
)

const (
	defaultInitialDelay   = 5 * time.Second
	defaultMinDelay       = time.Second
	defaultMaxDelay       = 2 * time.Minute
	defaultDecreaseFactor = 0.9
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// InitialDelay is the delay between cycles at start.
	InitialDelay time.Duration
	// MinDelay bounds the delay from below after successful uploads.
	MinDelay time.Duration
	// MaxDelay bounds the backoff from above after failures.
	MaxDelay time.Duration
	// Gate, when non-nil, is consulted before every cycle; uploads happen
	// only while it returns true. It carries consent and reachability.
	Gate func() bool
}

func (o *SchedulerOptions) fillDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MinDelay <= 0 {
		o.MinDelay = defaultMinDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
}

// Scheduler drains the batch store on a dedicated background goroutine,
// moving from idle to uploading to waiting. The waiting delay adapts to
// upload outcomes: faster after success, doubling backoff after retryable
// failures, always within [MinDelay, MaxDelay].
type Scheduler struct {
	store    *batch.Store
	uploader *Uploader
	opts     SchedulerOptions

	delay atomic.Int64 // nanoseconds
	state atomic.Int32

	// attempts carries the per-batch attempt counter across retries.
	// Touched only on the run goroutine.
	attempts map[batch.BatchID]*Status

	flushCh   chan chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler wires a scheduler to a store and uploader. Call Start to
// begin draining.
func NewScheduler(store *batch.Store, uploader *Uploader, opts SchedulerOptions) *Scheduler {
	opts.fillDefaults()
	s := &Scheduler{
		store:    store,
		uploader: uploader,
		opts:     opts,
		attempts: make(map[batch.BatchID]*Status),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.delay.Store(int64(opts.InitialDelay))
	return s
}

// Start launches the scheduling loop. It can only be called once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop terminates the loop between cycles. An in-flight attempt runs to
// completion; no new attempts start. Remaining batches stay on disk for the
// next process launch.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Delay returns the current inter-cycle delay.
func (s *Scheduler) Delay() time.Duration {
	return time.Duration(s.delay.Load())
}

// Flush synchronously drains all eligible batches best-effort: each is
// uploaded once; batches the intake accepts are deleted with their intake
// code, everything else is discarded with reason "flushed". Returns false
// if the scheduler was already stopped or the timeout elapsed.
func (s *Scheduler) Flush(timeout time.Duration) bool {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.stopCh:
		return false
	case <-time.After(timeout):
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	timer := time.NewTimer(s.Delay())
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case done := <-s.flushCh:
			s.drainAll()
			close(done)
			s.state.Store(int32(StateIdle))
			resetTimer(timer, s.Delay())
		case <-timer.C:
			// Waiting covers the delay after an upload pass; a tick that
			// finds no work leaves the scheduler idle.
			if s.cycle() {
				s.state.Store(int32(StateWaiting))
			} else {
				s.state.Store(int32(StateIdle))
			}
			timer.Reset(s.Delay())
		}
	}
}

// cycle performs one upload pass: pick the oldest eligible batch, upload it,
// apply the outcome policy. It reports whether an attempt was made.
func (s *Scheduler) cycle() bool {
	if s.opts.Gate != nil && !s.opts.Gate() {
		return false
	}
	eligible := s.store.Eligible()
	if len(eligible) == 0 {
		return false
	}
	id := eligible[0]

	s.state.Store(int32(StateUploading))
	events, err := s.store.ReadEvents(id)
	if err != nil {
		// Malformed batches are already disposed of by the store.
		debuglog.Printf("skipping batch %s: %v", id, err)
		return false
	}

	status := s.uploader.Upload(context.Background(), events, s.attempts[id])
	s.attempts[id] = &status

	switch {
	case status.ResponseCode >= 200 && status.ResponseCode < 300:
		s.store.Delete(id, batch.IntakeCode(status.ResponseCode))
		delete(s.attempts, id)
		s.speedUp()
	case status.NeedsRetry:
		s.store.Release(id)
		s.slowDown()
	case status.ResponseCode != 0:
		// Permanent rejection: keeping the batch would re-send a payload
		// the intake will never accept.
		s.store.Delete(id, batch.ReasonInvalid)
		delete(s.attempts, id)
		s.speedUp()
	default:
		// Synthetic unreachable status: retry is suppressed but the data
		// is kept; the next regular cycle picks the batch up again.
		s.store.Release(id)
		s.slowDown()
	}
	return true
}

// drainAll is the flush path: every eligible batch gets exactly one
// attempt, and whatever is not delivered is discarded by policy.
func (s *Scheduler) drainAll() {
	if s.opts.Gate != nil && !s.opts.Gate() {
		// No consent or no network: leave everything on disk.
		return
	}
	_ = s.store.SealOpen()
	for _, id := range s.store.Eligible() {
		events, err := s.store.ReadEvents(id)
		if err != nil {
			continue
		}
		status := s.uploader.Upload(context.Background(), events, s.attempts[id])
		delete(s.attempts, id)
		if status.ResponseCode >= 200 && status.ResponseCode < 300 {
			s.store.Delete(id, batch.IntakeCode(status.ResponseCode))
		} else {
			s.store.Delete(id, batch.ReasonFlushed)
		}
	}
}

func (s *Scheduler) speedUp() {
	next := time.Duration(float64(s.Delay()) * defaultDecreaseFactor)
	if next < s.opts.MinDelay {
		next = s.opts.MinDelay
	}
	s.delay.Store(int64(next))
}

func (s *Scheduler) slowDown() {
	next := s.Delay() * 2
	if next > s.opts.MaxDelay {
		next = s.opts.MaxDelay
	}
	s.delay.Store(int64(next))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
