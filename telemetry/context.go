package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/baggage"
)

// Baggage is the W3C baggage carried by a context, flattened to strings.
// The emitter merges it into the attributes of every log event.
type Baggage map[string]string

// Baggage limits. They follow the W3C recommendation so baggage set here
// survives propagation to other services.
const (
	MaxBaggageItems       = 64
	MaxBaggageKeyLength   = 128
	MaxBaggageValueLength = 512
	MaxBaggageTotalSize   = 8192
)

// BaggageStats counts how often the baggage limits were hit.
type BaggageStats struct {
	ItemsAdded   uint64 `json:"items_added"`
	ItemsDropped uint64 `json:"items_dropped"`
	OverLimit    uint64 `json:"over_limit"`
}

var bagCounters struct {
	added, dropped, overLimit atomic.Uint64
}

// WithBaggage returns a context whose log events all carry the given
// attributes, passed as key, value pairs:
//
//	ctx = telemetry.WithBaggage(ctx, "request_id", reqID, "tenant", tenant)
//
// A later pair replaces an earlier one with the same key; a trailing key
// without a value is ignored. Explicit Emit attributes win over baggage.
//
// Keys and values longer than the limits are cut. A pair that would take
// the encoded size past MaxBaggageTotalSize is dropped, and a context that
// already holds MaxBaggageItems members is returned as is.
func WithBaggage(ctx context.Context, pairs ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	bag := baggage.FromContext(ctx)
	if bag.Len() >= MaxBaggageItems {
		bagCounters.overLimit.Add(1)
		return ctx
	}
	size := baggageSize(bag)

	for i := 0; i+1 < len(pairs); i += 2 {
		key, value := clip(pairs[i], MaxBaggageKeyLength), clip(pairs[i+1], MaxBaggageValueLength)
		if key == "" {
			continue
		}
		if size+len(key)+len(value) > MaxBaggageTotalSize {
			bagCounters.dropped.Add(1)
			continue
		}

		next, err := setMember(bag, key, value)
		if err != nil {
			bagCounters.dropped.Add(1)
			continue
		}
		bag = next
		size += len(key) + len(value)
		bagCounters.added.Add(1)
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func setMember(bag baggage.Baggage, key, value string) (baggage.Baggage, error) {
	m, err := baggage.NewMemberRaw(key, value)
	if err != nil {
		return bag, err
	}
	return bag.SetMember(m)
}

func baggageSize(bag baggage.Baggage) int {
	n := 0
	for _, m := range bag.Members() {
		n += len(m.Key()) + len(m.Value())
	}
	return n
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GetBaggage returns the baggage carried by ctx, or nil if there is none.
func GetBaggage(ctx context.Context) Baggage {
	if ctx == nil {
		return nil
	}
	bag := baggage.FromContext(ctx)
	if bag.Len() == 0 {
		return nil
	}

	out := make(Baggage, bag.Len())
	for _, m := range bag.Members() {
		out[m.Key()] = m.Value()
	}
	return out
}

// GetBaggageStats returns the process-wide baggage counters.
func GetBaggageStats() BaggageStats {
	return BaggageStats{
		ItemsAdded:   bagCounters.added.Load(),
		ItemsDropped: bagCounters.dropped.Load(),
		OverLimit:    bagCounters.overLimit.Load(),
	}
}

// ResetBaggageStats zeroes the counters. For tests.
func ResetBaggageStats() {
	bagCounters.added.Store(0)
	bagCounters.dropped.Store(0)
	bagCounters.overLimit.Store(0)
}
