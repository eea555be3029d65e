package beacon

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

// TraceID identifies a trace.
type TraceID [16]byte

func (id TraceID) Hex() []byte {
	b := make([]byte, hex.EncodedLen(len(id)))
	hex.Encode(b, id[:])
	return b
}

func (id TraceID) String() string {
	return string(id.Hex())
}

// Low64 returns the low 64 bits of the trace id, for header encodings that
// carry 64-bit decimal ids.
func (id TraceID) Low64() uint64 {
	return binary.BigEndian.Uint64(id[8:])
}

// SpanID identifies a span.
type SpanID [8]byte

func (id SpanID) Hex() []byte {
	b := make([]byte, hex.EncodedLen(len(id)))
	hex.Encode(b, id[:])
	return b
}

func (id SpanID) String() string {
	return string(id.Hex())
}

// Uint64 returns the span id as an unsigned 64-bit integer.
func (id SpanID) Uint64() uint64 {
	return binary.BigEndian.Uint64(id[:])
}

// TraceContext is the correlation identity injected into one first-party
// request: trace id, span id and the sampling decision made for it. A
// TraceContext is owned by the InterceptionRecord that captured it and is
// read-only after creation.
type TraceContext struct {
	TraceID TraceID
	SpanID  SpanID
	Sampled bool
}

// NewTraceContext generates a fresh trace context with random trace and span
// ids and the given sampling decision.
func NewTraceContext(sampled bool) TraceContext {
	tc := TraceContext{Sampled: sampled}
	tc.TraceID = TraceID(uuid.New())
	span := uuid.New()
	copy(tc.SpanID[:], span[:8])
	return tc
}
