package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64), expires: make(map[string]time.Duration)}
}

func (f *fakeCounter) Incr(_ context.Context, key string) int64 {
	f.counts[key]++
	return f.counts[key]
}

func (f *fakeCounter) Expire(_ context.Context, key string, ttl time.Duration) bool {
	f.expires[key] = ttl
	return true
}

func (f *fakeCounter) TTL(_ context.Context, key string) time.Duration {
	if ttl, ok := f.expires[key]; ok {
		return ttl
	}
	return -1
}

// degradedCounter mimics the broker client with no link up: every Incr
// returns the fallback value 1 and TTL reads as zero.
type degradedCounter struct{}

func (degradedCounter) Incr(context.Context, string) int64 { return 1 }

func (degradedCounter) Expire(context.Context, string, time.Duration) bool { return false }

func (degradedCounter) TTL(context.Context, string) time.Duration { return 0 }

// amnesiacCounter keeps counting but reports every key as having no
// expiry, like a broker that dropped between the first Incr and its
// Expire.
type amnesiacCounter struct {
	counts  map[string]int64
	expires int
}

func (a *amnesiacCounter) Incr(_ context.Context, key string) int64 {
	a.counts[key]++
	return a.counts[key]
}

func (a *amnesiacCounter) Expire(context.Context, string, time.Duration) bool {
	a.expires++
	return true
}

func (*amnesiacCounter) TTL(context.Context, string) time.Duration { return -1 }

func TestFixedWindowLimiter_AllowsUpToLimit(t *testing.T) {
	counter := newFakeCounter()
	limiter := NewFixedWindowLimiter(counter, 3, time.Minute)
	ctx := context.Background()

	for i := range 3 {
		assert.True(t, limiter.Allow(ctx, "alice"), "request %d should pass", i+1)
	}
	assert.False(t, limiter.Allow(ctx, "alice"))
	assert.False(t, limiter.Allow(ctx, "alice"))

	// other keys have their own window
	assert.True(t, limiter.Allow(ctx, "bob"))
}

func TestFixedWindowLimiter_FirstHitOwnsExpiry(t *testing.T) {
	counter := newFakeCounter()
	limiter := NewFixedWindowLimiter(counter, 3, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "alice")
	limiter.Allow(ctx, "alice")

	require.Len(t, counter.expires, 1)
	assert.Equal(t, time.Minute, counter.expires["ratelimit:alice"])
}

func TestFixedWindowLimiter_RearmsLostExpiry(t *testing.T) {
	counter := &amnesiacCounter{counts: make(map[string]int64)}
	limiter := NewFixedWindowLimiter(counter, 3, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "alice")
	assert.Equal(t, 1, counter.expires)

	// every later hit sees a key without expiry and re-arms the window
	// instead of rate limiting the identity forever
	limiter.Allow(ctx, "alice")
	assert.Equal(t, 2, counter.expires)
}

func TestFixedWindowLimiter_DegradesOpen(t *testing.T) {
	limiter := NewFixedWindowLimiter(degradedCounter{}, 3, time.Minute)
	ctx := context.Background()

	for range 10 {
		assert.True(t, limiter.Allow(ctx, "alice"))
	}
}
