// Package retry provides a small bounded-attempt helper with fixed backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Policy struct {
	MaxAttempts int
	Backoff     time.Duration // fixed sleep between attempts; zero means none
	Clock       clockwork.Clock
	OnRetry     func(attempt int, err error)
}

type Operation[T any] func() (T, error)

// Do runs op up to p.MaxAttempts times, sleeping p.Backoff between
// attempts. The last error is returned wrapped once all attempts are
// exhausted.
func Do[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}

		val, err := op()
		if err == nil {
			return val, nil
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if p.Backoff > 0 && p.Clock != nil {
			p.Clock.Sleep(p.Backoff)
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
