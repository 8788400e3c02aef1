package telemetry

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// spanIDs is shared by every Controller, so replacing the default
// controller or running several never restarts the sequence.
var spanIDs = newIDGenerator()

// idGenerator hands out span IDs that are unique for the life of the
// process: a random base drawn once plus a monotonically increasing counter.
type idGenerator struct {
	base    uint64
	counter atomic.Uint64
}

func newIDGenerator() *idGenerator {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a uuid.
		u := uuid.New()
		copy(b[:], u[:8])
	}
	return &idGenerator{base: binary.BigEndian.Uint64(b[:])}
}

// NewSpanID never returns the invalid all-zero ID.
func (g *idGenerator) NewSpanID() trace.SpanID {
	for {
		n := g.base + g.counter.Add(1)
		if n == 0 {
			continue
		}
		var id trace.SpanID
		binary.BigEndian.PutUint64(id[:], n)
		return id
	}
}

// NewTraceID returns a random version 4 UUID as a 128-bit trace ID.
func (g *idGenerator) NewTraceID() trace.TraceID {
	return trace.TraceID(uuid.New())
}
