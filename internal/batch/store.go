package batch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/zeebo/blake3"

	"github.com/beacon-telemetry/beacon-go/internal/debuglog"
)

const (
	batchSuffix = ".batch"
	metaSuffix  = ".batch.meta.json"

	defaultMaxBatchSize   = 4 << 20
	defaultMaxBatchEvents = 500
	defaultMaxBatchAge    = 5 * time.Second
	defaultMaxStoreSize   = 512 << 20
)

var (
	// ErrStoreClosed is returned by Write after Close.
	ErrStoreClosed = errors.New("batch store is closed")
	// ErrBatchBeingRead is returned when a batch is already read-locked by
	// another upload pass.
	ErrBatchBeingRead = errors.New("batch is being read")
	// ErrUnknownBatch is returned for ids the store does not know.
	ErrUnknownBatch = errors.New("unknown batch")
)

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	// Dir is the directory holding this track's batch files.
	Dir string
	// MaxBatchSize is the byte threshold above which the open batch seals.
	MaxBatchSize int64
	// MaxBatchEvents is the event-count threshold of the open batch.
	MaxBatchEvents int
	// MaxBatchAge is how long a batch may stay open before sealing.
	MaxBatchAge time.Duration
	// MaxStoreSize caps the total size of sealed batches; oldest batches
	// are purged to stay under it.
	MaxStoreSize int64
}

func (o *Options) fillDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = defaultMaxBatchSize
	}
	if o.MaxBatchEvents <= 0 {
		o.MaxBatchEvents = defaultMaxBatchEvents
	}
	if o.MaxBatchAge <= 0 {
		o.MaxBatchAge = defaultMaxBatchAge
	}
	if o.MaxStoreSize <= 0 {
		o.MaxStoreSize = defaultMaxStoreSize
	}
}

// openBatch is the single mutable batch. Its file handle is exclusive:
// writes are serialized under the store mutex while it is open.
type openBatch struct {
	id        BatchID
	file      *os.File
	hasher    *blake3.Hasher
	createdAt time.Time
	events    int
	size      int64
}

// Store is a durable, ordered batch store for one feature/track. Exactly one
// batch is open for writing at a time; sealed batches are immutable and
// eligible for upload, oldest first. Batches survive process restarts and
// are deleted only after successful upload, invalidation, or retention
// eviction.
type Store struct {
	opts Options

	mu      sync.Mutex
	open    *openBatch
	sealed  map[BatchID]Meta
	reading map[BatchID]struct{}
	deletes map[RemovalReason]int64
	lastID  int64
	closed  bool
}

// Open creates or reopens the store at opts.Dir. Sealed batches from
// previous runs are restored; an interrupted open batch is recovered by
// truncating it to its last complete record and sealing it; malformed files
// are deleted with reason "obsolete"; retention is enforced.
func Open(opts Options) (*Store, error) {
	opts.fillDefaults()
	if opts.Dir == "" {
		return nil, errors.New("batch store: Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("batch store: %w", err)
	}

	s := &Store{
		opts:    opts,
		sealed:  make(map[BatchID]Meta),
		reading: make(map[BatchID]struct{}),
		deletes: make(map[RemovalReason]int64),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	s.enforceRetentionLocked()
	return s, nil
}

// scan restores store state from disk at startup.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return fmt.Errorf("batch store: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(name, metaSuffix):
			id := BatchID(strings.TrimSuffix(name, metaSuffix))
			if _, err := os.Stat(s.batchPath(id)); err != nil {
				// Orphan sidecar without payload.
				_ = os.Remove(filepath.Join(s.opts.Dir, name))
			}
		case strings.HasSuffix(name, batchSuffix):
			id := BatchID(strings.TrimSuffix(name, batchSuffix))
			if ts := id.timestamp(); ts > s.lastID {
				s.lastID = ts
			}
			meta, err := s.readMeta(id)
			if err != nil {
				// No (or unreadable) sidecar: interrupted open batch
				// from a previous process, recover and seal it.
				if err := s.recoverInterrupted(id); err != nil {
					debuglog.Printf("dropping unrecoverable batch %s: %v", id, err)
					s.removeFilesLocked(id, ReasonObsolete)
				}
				continue
			}
			s.sealed[id] = meta
		}
	}
	return nil
}

// recoverInterrupted truncates the batch file to its last complete record
// and writes the sidecar, turning it into a regular sealed batch.
func (s *Store) recoverInterrupted(id BatchID) error {
	path := s.batchPath(id)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	records, goodOffset, readErr := readRecords(f)
	f.Close()
	if readErr != nil && readErr != errTruncatedRecord {
		return readErr
	}
	if len(records) == 0 {
		return errors.New("no complete records")
	}
	if readErr == errTruncatedRecord {
		if err := os.Truncate(path, goodOffset); err != nil {
			return err
		}
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta := Meta{
		CreatedAtNs: id.timestamp(),
		Events:      len(records),
		Size:        int64(len(payload)),
		Checksum:    checksum(payload),
	}
	if err := s.writeMeta(id, meta); err != nil {
		return err
	}
	s.sealed[id] = meta
	return nil
}

// Write appends one serialized event to the open batch, rolling a new batch
// first when the current one exceeds its size, age, or event-count
// threshold. A write failure is reported to the caller; the event is lost,
// the host is not.
func (s *Store) Write(event []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(event) > maxRecordSize {
		return fmt.Errorf("batch write: event of %d bytes exceeds the record limit", len(event))
	}

	if s.open != nil && s.exceedsThresholdsLocked(int64(len(event))) {
		if err := s.sealLocked(); err != nil {
			return err
		}
	}
	if s.open == nil {
		if err := s.startBatchLocked(); err != nil {
			return err
		}
	}

	w := io.MultiWriter(s.open.file, s.open.hasher)
	if err := writeRecord(w, event); err != nil {
		// The open batch is suspect now; drop it rather than risk
		// shipping a corrupt payload.
		s.abandonOpenLocked()
		return fmt.Errorf("batch write: %w", err)
	}
	s.open.events++
	s.open.size += recordHeaderSize + int64(len(event))
	return nil
}

func (s *Store) exceedsThresholdsLocked(incoming int64) bool {
	o := s.open
	return o.size+recordHeaderSize+incoming > s.opts.MaxBatchSize ||
		o.events >= s.opts.MaxBatchEvents ||
		time.Since(o.createdAt) > s.opts.MaxBatchAge
}

func (s *Store) startBatchLocked() error {
	ns := time.Now().UnixNano()
	if ns <= s.lastID {
		ns = s.lastID + 1
	}
	s.lastID = ns
	id := BatchID(fmt.Sprintf("%d", ns))

	f, err := os.OpenFile(s.batchPath(id), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("batch create: %w", err)
	}
	s.open = &openBatch{
		id:        id,
		file:      f,
		hasher:    blake3.New(),
		createdAt: time.Now(),
	}
	return nil
}

// sealLocked closes the open batch: syncs and closes the file, writes the
// sidecar, and makes the batch eligible for upload.
func (s *Store) sealLocked() error {
	o := s.open
	if o == nil {
		return nil
	}
	s.open = nil

	if o.events == 0 {
		o.file.Close()
		_ = os.Remove(s.batchPath(o.id))
		return nil
	}
	if err := o.file.Sync(); err != nil {
		debuglog.Printf("batch sync failed: %v", err)
	}
	if err := o.file.Close(); err != nil {
		return fmt.Errorf("batch seal: %w", err)
	}

	meta := Meta{
		CreatedAtNs: o.createdAt.UnixNano(),
		Events:      o.events,
		Size:        o.size,
		Checksum:    hex.EncodeToString(o.hasher.Sum(nil)),
	}
	if err := s.writeMeta(o.id, meta); err != nil {
		return fmt.Errorf("batch seal: %w", err)
	}
	s.sealed[o.id] = meta
	s.enforceRetentionLocked()
	return nil
}

func (s *Store) abandonOpenLocked() {
	o := s.open
	if o == nil {
		return
	}
	s.open = nil
	o.file.Close()
	_ = os.Remove(s.batchPath(o.id))
	s.deletes[ReasonObsolete]++
}

// enforceRetentionLocked purges oldest sealed batches until the total size
// of sealed data fits under MaxStoreSize.
func (s *Store) enforceRetentionLocked() {
	var total int64
	for _, meta := range s.sealed {
		total += meta.Size
	}
	if total <= s.opts.MaxStoreSize {
		return
	}
	for _, id := range s.sortedSealedLocked() {
		if total <= s.opts.MaxStoreSize {
			break
		}
		total -= s.sealed[id].Size
		debuglog.Printf("purging batch %s to honor store size limit", id)
		s.removeFilesLocked(id, ReasonPurged)
	}
}

// Eligible returns the sealed batches not currently being read, oldest
// first, preserving event chronology at the collector. An open batch older
// than MaxBatchAge is sealed on the way, so a quiet application still
// uploads its tail.
func (s *Store) Eligible() []BatchID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open != nil && time.Since(s.open.createdAt) > s.opts.MaxBatchAge {
		if err := s.sealLocked(); err != nil {
			debuglog.Printf("sealing aged batch: %v", err)
		}
	}

	var out []BatchID
	for _, id := range s.sortedSealedLocked() {
		if _, beingRead := s.reading[id]; beingRead {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SealOpen seals the currently open batch regardless of thresholds. Used by
// flush, which needs every buffered event to become uploadable now.
func (s *Store) SealOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked()
}

// ReadEvents read-locks the batch and returns its deserialized events. The
// batch stays locked, and therefore invisible to Eligible, until Release
// or Delete. A checksum or framing mismatch deletes the batch with reason
// "obsolete" and returns an error.
func (s *Store) ReadEvents(id BatchID) ([][]byte, error) {
	s.mu.Lock()
	meta, ok := s.sealed[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownBatch
	}
	if _, beingRead := s.reading[id]; beingRead {
		s.mu.Unlock()
		return nil, ErrBatchBeingRead
	}
	s.reading[id] = struct{}{}
	s.mu.Unlock()

	payload, err := os.ReadFile(s.batchPath(id))
	if err != nil {
		s.Delete(id, ReasonObsolete)
		return nil, fmt.Errorf("batch read: %w", err)
	}
	if checksum(payload) != meta.Checksum {
		s.Delete(id, ReasonObsolete)
		return nil, fmt.Errorf("batch %s: checksum mismatch", id)
	}
	records, _, err := readRecords(bytes.NewReader(payload))
	if err != nil {
		s.Delete(id, ReasonObsolete)
		return nil, fmt.Errorf("batch %s: %w", id, err)
	}
	return records, nil
}

// Release drops the read lock without deleting the batch, putting it back
// into upload rotation. Used on retryable upload failures.
func (s *Store) Release(id BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reading, id)
}

// Delete removes the batch file and its sidecar, recording the reason.
// Deleting an unknown or already-removed batch is a no-op: missing files
// are treated as already purged.
func (s *Store) Delete(id BatchID, reason RemovalReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.sealed[id]; !known {
		return
	}
	s.removeFilesLocked(id, reason)
}

// DeleteAll removes every batch, open and sealed, with the given reason.
// Used for the consent wipe.
func (s *Store) DeleteAll(reason RemovalReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		o := s.open
		s.open = nil
		o.file.Close()
		_ = os.Remove(s.batchPath(o.id))
		s.deletes[reason]++
	}
	for id := range s.sealed {
		s.removeFilesLocked(id, reason)
	}
}

func (s *Store) removeFilesLocked(id BatchID, reason RemovalReason) {
	_ = os.Remove(s.batchPath(id))
	_ = os.Remove(s.metaPath(id))
	delete(s.sealed, id)
	delete(s.reading, id)
	s.deletes[reason]++
}

// Stats returns a copy of the per-reason delete counters.
func (s *Store) Stats() map[RemovalReason]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[RemovalReason]int64, len(s.deletes))
	for reason, n := range s.deletes {
		out[reason] = n
	}
	return out
}

// Close seals the open batch so its events survive the restart, then stops
// accepting writes. Sealed batches stay on disk for the next launch.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sealLocked()
}

func (s *Store) sortedSealedLocked() []BatchID {
	ids := make([]BatchID, 0, len(s.sealed))
	for id := range s.sealed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].timestamp() < ids[j].timestamp() })
	return ids
}

func (s *Store) batchPath(id BatchID) string {
	return filepath.Join(s.opts.Dir, string(id)+batchSuffix)
}

func (s *Store) metaPath(id BatchID) string {
	return filepath.Join(s.opts.Dir, string(id)+metaSuffix)
}

func (s *Store) readMeta(id BatchID) (Meta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

func (s *Store) writeMeta(id BatchID, meta Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(id), raw, 0o600)
}

func checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
