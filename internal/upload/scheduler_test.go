package upload

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beacon-telemetry/beacon-go/internal/batch"
	"github.com/beacon-telemetry/beacon-go/internal/testutils"
)

func newTestStore(t *testing.T) *batch.Store {
	t.Helper()
	store, err := batch.Open(batch.Options{
		Dir:         t.TempDir(),
		MaxBatchAge: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sealEvents(t *testing.T, store *batch.Store, events ...string) batch.BatchID {
	t.Helper()
	for _, event := range events {
		if err := store.Write([]byte(event)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}
	eligible := store.Eligible()
	return eligible[len(eligible)-1]
}

func newTestScheduler(t *testing.T, store *batch.Store, endpoint string, opts SchedulerOptions) *Scheduler {
	t.Helper()
	uploader := NewUploader(UploaderOptions{Endpoint: endpoint})
	return NewScheduler(store, uploader, opts)
}

func TestSchedulerAcceptedBatchIsDeleted(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "event")
	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{})

	s.cycle()

	testutils.AssertEqual(t, requests.Load(), int64(1))
	testutils.AssertEqual(t, len(store.Eligible()), 0)
	testutils.AssertEqual(t, store.Stats()[batch.IntakeCode(202)], int64(1))
}

func TestSchedulerRetryKeepsBatchAndAttemptCounter(t *testing.T) {
	var attempts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts = append(attempts, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	id := sealEvents(t, store, "event")
	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{})

	for i := 0; i < 3; i++ {
		s.cycle()
		// The batch stays on disk and back in rotation after each failure.
		testutils.AssertEqual(t, store.Eligible(), []batch.BatchID{id})
	}

	testutils.AssertEqual(t, len(attempts), 3)
	testutils.AssertEqual(t, s.attempts[id].Attempt, 2)
}

func TestSchedulerPermanentRejectionDeletesBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "event")
	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{})

	s.cycle()

	testutils.AssertEqual(t, len(store.Eligible()), 0)
	testutils.AssertEqual(t, store.Stats()[batch.ReasonInvalid], int64(1))
	testutils.AssertEqual(t, len(s.attempts), 0)
}

func TestSchedulerConnectionErrorKeepsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	store := newTestStore(t)
	id := sealEvents(t, store, "event")
	s := newTestScheduler(t, store, endpoint, SchedulerOptions{})

	s.cycle()

	testutils.AssertEqual(t, store.Eligible(), []batch.BatchID{id})
}

func TestSchedulerDelayAdaptsToOutcomes(t *testing.T) {
	code := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "event")
	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{
		InitialDelay: time.Second,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     3 * time.Second,
	})

	testutils.AssertEqual(t, s.Delay(), time.Second)

	s.cycle()
	testutils.AssertEqual(t, s.Delay(), 2*time.Second)
	s.cycle()
	testutils.AssertEqual(t, s.Delay(), 3*time.Second)
	s.cycle()
	// Capped at MaxDelay.
	testutils.AssertEqual(t, s.Delay(), 3*time.Second)

	code = http.StatusAccepted
	s.cycle()
	testutils.AssertEqual(t, s.Delay(), 2700*time.Millisecond)

	// Successes keep shrinking the delay but never below MinDelay.
	sealEvents(t, store, "another")
	s.cycle()
	testutils.AssertEqual(t, s.Delay(), 2430*time.Millisecond)
}

func TestSchedulerGateBlocksUploads(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newTestStore(t)
	id := sealEvents(t, store, "event")

	var open atomic.Bool
	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{
		Gate: func() bool { return open.Load() },
	})

	s.cycle()
	testutils.AssertEqual(t, requests.Load(), int64(0))
	testutils.AssertEqual(t, store.Eligible(), []batch.BatchID{id})

	open.Store(true)
	s.cycle()
	testutils.AssertEqual(t, requests.Load(), int64(1))
	testutils.AssertEqual(t, len(store.Eligible()), 0)
}

func waitForCondition(t *testing.T, check func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(message)
}

func TestSchedulerWaitsOutTheDelayAfterFailedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "event")

	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{
		InitialDelay: 20 * time.Millisecond,
		MinDelay:     10 * time.Millisecond,
		MaxDelay:     time.Hour,
	})
	testutils.AssertEqual(t, s.State(), StateIdle)
	s.Start()
	defer s.Stop()

	// Each failing cycle puts the batch back and doubles the delay, so the
	// scheduler ends up sitting out a long backoff in the waiting state.
	waitForCondition(t, func() bool { return s.State() == StateWaiting },
		"scheduler never reached the waiting state")
	testutils.AssertTrue(t, s.Delay() > 20*time.Millisecond)
}

func TestSchedulerReturnsToIdleOnceDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "event")

	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{
		InitialDelay: 10 * time.Millisecond,
		MinDelay:     5 * time.Millisecond,
	})
	s.Start()
	defer s.Stop()

	// Once the batch is delivered, the next tick finds no work and the
	// scheduler settles in idle.
	waitForCondition(t, func() bool {
		return len(store.Eligible()) == 0 && s.State() == StateIdle
	}, "scheduler never settled back to idle")
}

func TestSchedulerFlushDrainsEverything(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "first")
	sealEvents(t, store, "second")
	// A still-open batch must be sealed and shipped too.
	if err := store.Write([]byte("buffered")); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{})
	s.Start()
	defer s.Stop()

	testutils.AssertTrue(t, s.Flush(testutils.FlushTimeout()))
	testutils.AssertEqual(t, requests.Load(), int64(3))
	testutils.AssertEqual(t, len(store.Eligible()), 0)
	testutils.AssertEqual(t, store.Stats()[batch.IntakeCode(202)], int64(3))
}

func TestSchedulerFlushDiscardsUndeliverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	sealEvents(t, store, "event")

	s := newTestScheduler(t, store, srv.URL, SchedulerOptions{})
	s.Start()
	defer s.Stop()

	testutils.AssertTrue(t, s.Flush(testutils.FlushTimeout()))
	testutils.AssertEqual(t, len(store.Eligible()), 0)
	testutils.AssertEqual(t, store.Stats()[batch.ReasonFlushed], int64(1))
}

func TestSchedulerFlushAfterStopReturnsFalse(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, "http://localhost:0", SchedulerOptions{})
	s.Start()
	s.Stop()

	testutils.AssertFalse(t, s.Flush(testutils.FlushTimeout()))
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, "http://localhost:0", SchedulerOptions{})
	s.Start()
	s.Stop()
	s.Stop()
}
