package telemetry

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// RateLimiter implements a simple rate limiter for error logging
type RateLimiter struct {
	interval time.Duration
	clock    clockz.Clock
	lastTime time.Time
	dropped  int64
	mu       sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(interval, clockz.RealClock)
}

// NewRateLimiterWithClock creates a rate limiter driven by clock.
func NewRateLimiterWithClock(interval time.Duration, clock clockz.Clock) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		clock:    clock,
	}
}

// Allow returns true if an action is allowed based on rate limiting
func (r *RateLimiter) Allow() bool {
	allowed, _ := r.AllowN()
	return allowed
}

// AllowN is Allow that also returns how many calls were refused since the
// last allowed one.
func (r *RateLimiter) AllowN() (bool, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.lastTime.IsZero() || now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		dropped := r.dropped
		r.dropped = 0
		return true, dropped
	}
	r.dropped++
	return false, 0
}
