package batch

import (
	"context"
	"sync"
	"time"

	. "github.com/voyantai/ragline/internal/logging"
)

// RateLimiter bounds embedding requests to a per-minute budget using a
// sliding window of request timestamps.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
}

// NewRateLimiter creates a limiter. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{requestsPerMinute: requestsPerMinute}
}

// Acquire blocks until a request slot is available or the context ends.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.requestsPerMinute <= 0 {
		return nil
	}

	for {
		r.mu.Lock()
		now := time.Now()

		// Drop timestamps older than the window.
		cutoff := now.Add(-time.Minute)
		i := 0
		for i < len(r.requests) && r.requests[i].Before(cutoff) {
			i++
		}
		r.requests = r.requests[i:]

		if len(r.requests) < r.requestsPerMinute {
			r.requests = append(r.requests, now)
			r.mu.Unlock()
			return nil
		}

		wait := time.Minute - now.Sub(r.requests[0])
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		L_info("batch: rate limit reached, waiting", "wait", wait.Round(10*time.Millisecond).String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
