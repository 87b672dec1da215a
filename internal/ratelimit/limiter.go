// Package ratelimit implements a fixed-window request limiter on top of
// the resilient broker client.
package ratelimit

import (
	"context"
	"time"
)

// Counter is the slice of the resilient broker client the limiter uses.
type Counter interface {
	Incr(ctx context.Context, key string) int64
	Expire(ctx context.Context, key string, ttl time.Duration) bool
	TTL(ctx context.Context, key string) time.Duration
}

// FixedWindowLimiter allows up to limit requests per window per key.
// It degrades open: when the broker is unreachable the Incr fallback is 1,
// which always passes, because rate limiting must never turn a broker
// outage into a failed user request.
type FixedWindowLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

func NewFixedWindowLimiter(counter Counter, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{counter: counter, limit: int64(limit), window: window}
}

// Allow consumes one slot for key and reports whether the request may
// proceed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	fullKey := "ratelimit:" + key

	n := l.counter.Incr(ctx, fullKey)
	if n == 1 {
		// first hit of the window owns the expiry
		l.counter.Expire(ctx, fullKey, l.window)
	} else if l.counter.TTL(ctx, fullKey) < 0 {
		// the window's Expire was lost (broker dropped between Incr and
		// Expire), leaving a counter that never resets. Re-arm it. A
		// degraded TTL reads as zero, so an outage never triggers this.
		l.counter.Expire(ctx, fullKey, l.window)
	}
	return n <= l.limit
}
