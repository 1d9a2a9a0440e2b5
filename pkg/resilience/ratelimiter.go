package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles a stream of calls to a steady rate with burst
// headroom. The server protocol client shares one across all its
// outbound calls so a thundering herd of fetch misses can't overwhelm
// the authoritative server on reconnect.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing ratePerSecond sustained
// calls with the given burst.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 100
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until the limiter admits one event or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether an event may proceed right now without
// blocking.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// SetLimit adjusts the sustained rate at runtime, e.g. after the server
// signals it is under load.
func (r *RateLimiter) SetLimit(ratePerSecond float64) {
	r.limiter.SetLimit(rate.Limit(ratePerSecond))
}
