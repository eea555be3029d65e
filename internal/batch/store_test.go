package batch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beacon-telemetry/beacon-go/internal/testutils"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.MaxBatchAge == 0 {
		opts.MaxBatchAge = time.Hour
	}
	store, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeN(t *testing.T, store *Store, n int, payload string) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := store.Write([]byte(payload)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStoreRollsBatchOnSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	event := strings.Repeat("x", 100)
	// Seven 104-byte records fit; the eighth write must roll a new batch.
	store := openTestStore(t, Options{
		Dir:          dir,
		MaxBatchSize: 7*(recordHeaderSize+100) + 50,
	})

	writeN(t, store, 10, event)

	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 1)

	events, err := store.ReadEvents(eligible[0])
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEqual(t, len(events), 7)
	store.Release(eligible[0])

	files, _ := filepath.Glob(filepath.Join(dir, "*"+batchSuffix))
	testutils.AssertEqual(t, len(files), 2)

	// Sealing the open batch exposes the remaining three events.
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}
	eligible = store.Eligible()
	testutils.AssertEqual(t, len(eligible), 2)
	events, err = store.ReadEvents(eligible[1])
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEqual(t, len(events), 3)
}

func TestStoreRollsBatchOnEventCountThreshold(t *testing.T) {
	store := openTestStore(t, Options{MaxBatchEvents: 2})

	writeN(t, store, 5, "event")

	testutils.AssertEqual(t, len(store.Eligible()), 2)
}

func TestStoreReadEventsRoundTrip(t *testing.T) {
	store := openTestStore(t, Options{})
	want := [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`), []byte("")}
	for _, event := range want {
		if err := store.Write(event); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}

	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 1)
	got, err := store.ReadEvents(eligible[0])
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEqual(t, len(got), 3)
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("event %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestStoreEligibleIsOldestFirst(t *testing.T) {
	store := openTestStore(t, Options{})
	for i := 0; i < 3; i++ {
		if err := store.Write([]byte(fmt.Sprintf("event-%d", i))); err != nil {
			t.Fatal(err)
		}
		if err := store.SealOpen(); err != nil {
			t.Fatal(err)
		}
	}

	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 3)
	for i := 1; i < len(eligible); i++ {
		if eligible[i-1].timestamp() >= eligible[i].timestamp() {
			t.Fatalf("eligible not in chronological order: %v", eligible)
		}
	}
}

func TestStoreReadLockExcludesBatchFromEligible(t *testing.T) {
	store := openTestStore(t, Options{})
	writeN(t, store, 1, "event")
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}

	id := store.Eligible()[0]
	if _, err := store.ReadEvents(id); err != nil {
		t.Fatal(err)
	}

	testutils.AssertEqual(t, len(store.Eligible()), 0)

	if _, err := store.ReadEvents(id); err != ErrBatchBeingRead {
		t.Fatalf("expected ErrBatchBeingRead, got %v", err)
	}

	store.Release(id)
	testutils.AssertEqual(t, store.Eligible(), []BatchID{id})
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t, Options{})
	writeN(t, store, 1, "first")
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}
	writeN(t, store, 1, "second")
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}

	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 2)

	store.Delete(eligible[0], ReasonInvalid)
	store.Delete(eligible[0], ReasonInvalid)

	// The unrelated batch survives both deletes.
	testutils.AssertEqual(t, store.Eligible(), []BatchID{eligible[1]})
	testutils.AssertEqual(t, store.Stats()[ReasonInvalid], int64(1))
}

func TestStoreDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, Options{Dir: dir})
	writeN(t, store, 2, "survives")
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestStore(t, Options{Dir: dir})
	eligible := reopened.Eligible()
	testutils.AssertEqual(t, len(eligible), 1)
	events, err := reopened.ReadEvents(eligible[0])
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEqual(t, len(events), 2)
}

func TestStoreCloseSealsOpenBatch(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, Options{Dir: dir})
	writeN(t, store, 1, "buffered")
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Write([]byte("late")); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}

	reopened := openTestStore(t, Options{Dir: dir})
	testutils.AssertEqual(t, len(reopened.Eligible()), 1)
}

func TestStoreRecoversInterruptedOpenBatch(t *testing.T) {
	dir := t.TempDir()

	// A batch file without a sidecar, with a truncated trailing record, is
	// what a crash mid-write leaves behind.
	var buf bytes.Buffer
	if err := writeRecord(&buf, []byte("complete-1")); err != nil {
		t.Fatal(err)
	}
	if err := writeRecord(&buf, []byte("complete-2")); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0x00, 0x00, 0x00, 0xff, 'p', 'a', 'r'})
	path := filepath.Join(dir, "1000"+batchSuffix)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	store := openTestStore(t, Options{Dir: dir})
	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 1)

	events, err := store.ReadEvents(eligible[0])
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEqual(t, len(events), 2)
	testutils.AssertEqual(t, string(events[0]), "complete-1")
	testutils.AssertEqual(t, string(events[1]), "complete-2")
}

func TestStoreRecoveryRejectsOversizedRecordHeader(t *testing.T) {
	dir := t.TempDir()

	// A flipped byte in a length header must not demand a huge allocation;
	// the remainder of the file is treated as a truncated tail.
	var buf bytes.Buffer
	if err := writeRecord(&buf, []byte("intact")); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	buf.WriteString("garbage that claims to be 4GiB long")
	path := filepath.Join(dir, "2000"+batchSuffix)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	store := openTestStore(t, Options{Dir: dir})
	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 1)

	events, err := store.ReadEvents(eligible[0])
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEqual(t, len(events), 1)
	testutils.AssertEqual(t, string(events[0]), "intact")
}

func TestStoreWriteRejectsOversizedEvent(t *testing.T) {
	store := openTestStore(t, Options{})

	if err := store.Write(make([]byte, maxRecordSize+1)); err == nil {
		t.Fatal("expected an error for an oversized event")
	}
	// The open batch stays usable for regular events.
	if err := store.Write([]byte("regular")); err != nil {
		t.Fatal(err)
	}
}

func TestStoreDeletesCorruptBatchOnRead(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, Options{Dir: dir})
	writeN(t, store, 1, "soon to be corrupted")
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}

	id := store.Eligible()[0]
	path := filepath.Join(dir, string(id)+batchSuffix)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ReadEvents(id); err == nil {
		t.Fatal("expected checksum error")
	}
	testutils.AssertEqual(t, len(store.Eligible()), 0)
	testutils.AssertEqual(t, store.Stats()[ReasonObsolete], int64(1))
}

func TestStoreEnforcesRetention(t *testing.T) {
	store := openTestStore(t, Options{MaxStoreSize: 3 * (recordHeaderSize + 10)})

	event := strings.Repeat("e", 10)
	var ids []BatchID
	for i := 0; i < 5; i++ {
		if err := store.Write([]byte(event)); err != nil {
			t.Fatal(err)
		}
		if err := store.SealOpen(); err != nil {
			t.Fatal(err)
		}
		eligible := store.Eligible()
		ids = append(ids, eligible[len(eligible)-1])
	}

	eligible := store.Eligible()
	testutils.AssertEqual(t, len(eligible), 3)
	// The two oldest were purged.
	testutils.AssertEqual(t, eligible[0], ids[2])
	testutils.AssertEqual(t, store.Stats()[ReasonPurged], int64(2))
}

func TestStoreDeleteAll(t *testing.T) {
	store := openTestStore(t, Options{})
	writeN(t, store, 1, "sealed")
	if err := store.SealOpen(); err != nil {
		t.Fatal(err)
	}
	writeN(t, store, 1, "open")

	store.DeleteAll(ReasonPurged)
	testutils.AssertEqual(t, len(store.Eligible()), 0)
	testutils.AssertEqual(t, store.Stats()[ReasonPurged], int64(2))
}

func TestStoreAgedOpenBatchBecomesEligible(t *testing.T) {
	store := openTestStore(t, Options{MaxBatchAge: 10 * time.Millisecond})
	writeN(t, store, 1, "aging")

	time.Sleep(30 * time.Millisecond)
	testutils.AssertEqual(t, len(store.Eligible()), 1)
}

func TestIntakeCodeReason(t *testing.T) {
	testutils.AssertEqual(t, IntakeCode(202), RemovalReason("intake-code-202"))
}
