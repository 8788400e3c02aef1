package promstats

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// overflowValue replaces label values past a label's limit.
const overflowValue = "other"

// labelLimiter caps the number of distinct values each label may take so a
// span name built from user input cannot blow up the series count. Values
// unseen for longer than idle free their slot the next time the label is
// full.
type labelLimiter struct {
	mu     sync.Mutex
	limits map[string]int
	idle   time.Duration
	clock  clockz.Clock
	seen   map[string]map[string]time.Time
}

func newLabelLimiter(limits map[string]int, idle time.Duration, clock clockz.Clock) *labelLimiter {
	return &labelLimiter{
		limits: limits,
		idle:   idle,
		clock:  clock,
		seen:   make(map[string]map[string]time.Time, len(limits)),
	}
}

// limit returns value, or overflowValue when label is at its limit and value
// is new.
func (l *labelLimiter) limit(label, value string) string {
	n, ok := l.limits[label]
	if !ok {
		return value
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	vals := l.seen[label]
	if vals == nil {
		vals = make(map[string]time.Time)
		l.seen[label] = vals
	}
	if _, known := vals[value]; !known && len(vals) >= n {
		l.prune(vals, now)
		if len(vals) >= n {
			return overflowValue
		}
	}
	vals[value] = now
	return value
}

func (l *labelLimiter) prune(vals map[string]time.Time, now time.Time) {
	if l.idle <= 0 {
		return
	}
	cutoff := now.Add(-l.idle)
	for v, last := range vals {
		if last.Before(cutoff) {
			delete(vals, v)
		}
	}
}

// cardinality returns the number of tracked values per label.
func (l *labelLimiter) cardinality() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.seen))
	for label, vals := range l.seen {
		out[label] = len(vals)
	}
	return out
}
