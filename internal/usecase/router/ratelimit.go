package router

import (
	"sync"
	"time"
)

// RateLimiter implements a sliding-window rate limiter over extraction
// request admissions. It tracks timestamps of allowed calls and rejects
// new calls when the count within the window reaches the limit.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time // for testing
}

// NewRateLimiter creates a rate limiter that allows limit calls per
// window. Returns nil when limit is not positive, which disables
// admission control entirely.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow returns true if a call is allowed under the rate limit, and records it.
// Returns false if the limit has been reached within the current window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	// Trim expired entries.
	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]

	if len(r.calls) >= r.limit {
		return false
	}

	r.calls = append(r.calls, now)
	return true
}
