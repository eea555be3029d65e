// Package batch implements the durable on-disk batch store: ordered,
// append-then-seal files of serialized telemetry events, plus the metadata
// needed to pick upload candidates without reading payloads.
package batch

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// RemovalReason records why a batch was deleted. Reasons feed the store's
// internal delete counters.
type RemovalReason string

const (
	// ReasonObsolete marks batches found malformed on disk.
	ReasonObsolete RemovalReason = "obsolete"
	// ReasonPurged marks batches evicted by retention or consent wipe.
	ReasonPurged RemovalReason = "purged"
	// ReasonInvalid marks batches permanently rejected by the intake.
	ReasonInvalid RemovalReason = "invalid"
	// ReasonFlushed marks batches discarded by an explicit flush.
	ReasonFlushed RemovalReason = "flushed"
)

// IntakeCode returns the removal reason for a batch accepted (or otherwise
// terminally answered) by the intake with the given HTTP status code.
func IntakeCode(code int) RemovalReason {
	return RemovalReason(fmt.Sprintf("intake-code-%d", code))
}

// BatchID identifies one batch file. IDs are the decimal creation timestamp
// in nanoseconds, so lexicographic-by-number order is chronological order.
type BatchID string

func (id BatchID) timestamp() int64 {
	ns, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0
	}
	return ns
}

// Meta is the sidecar metadata persisted next to each sealed batch file. It
// is enough to reconstruct upload eligibility without reading the payload.
type Meta struct {
	CreatedAtNs int64  `json:"created_at_ns"`
	Events      int    `json:"events"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
}

var errTruncatedRecord = errors.New("truncated record")

// Event records are length-prefixed: a big-endian uint32 payload size
// followed by the payload bytes.
const recordHeaderSize = 4

// maxRecordSize bounds a single record's payload. Recovery parses files whose
// checksum cannot be verified yet, so a corrupt length header must not be
// allowed to demand a multi-gigabyte allocation.
const maxRecordSize = 64 << 20

func writeRecord(w io.Writer, payload []byte) error {
	var header [recordHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecords parses every length-prefixed record out of r. A short read in
// the middle of a record yields errTruncatedRecord along with the records
// parsed so far and the byte offset of the last complete record.
func readRecords(r io.Reader) (records [][]byte, goodOffset int64, err error) {
	br := bufio.NewReader(r)
	var header [recordHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return records, goodOffset, nil
			}
			return records, goodOffset, errTruncatedRecord
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > maxRecordSize {
			return records, goodOffset, errTruncatedRecord
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return records, goodOffset, errTruncatedRecord
		}
		records = append(records, payload)
		goodOffset += recordHeaderSize + int64(size)
	}
}
