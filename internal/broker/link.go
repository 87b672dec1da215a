package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/metrics"
)

type role string

const (
	rolePrimary  role = "primary"
	roleFallback role = "fallback"
)

// link is the client's view of one physical broker connection. The
// availability flag is set by probes only, never by caller state. The
// breaker fail-fasts probes against a link that keeps refusing them so a
// dead link does not cost a network round trip on every command.
type link struct {
	role      role
	rdb       atomic.Pointer[goredis.Client]
	available atomic.Bool
	breaker   circuitbreaker.CircuitBreaker[any]
}

func newLink(r role, opts *goredis.Options) *link {
	l := &link{role: r}
	l.breaker = circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 3, 10*time.Second).
		WithDelay(5 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Broker link breaker state changed",
				"role", string(r),
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
		}).
		Build()
	l.rdb.Store(goredis.NewClient(opts))
	l.markUp()
	return l
}

func (l *link) client() *goredis.Client {
	return l.rdb.Load()
}

// probe issues a liveness check against this link.
func (l *link) probe(ctx context.Context) bool {
	if !l.breaker.TryAcquirePermit() {
		l.markDown()
		return false
	}
	if err := l.client().Ping(ctx).Err(); err != nil {
		l.breaker.RecordError(err)
		l.markDown()
		return false
	}
	l.breaker.RecordSuccess()
	l.markUp()
	return true
}

// redial replaces the underlying connection with a fresh one if the fresh
// connection answers a ping. The old connection is closed only after a
// successful swap so concurrent commands keep a usable client.
func (l *link) redial(ctx context.Context, opts *goredis.Options) bool {
	fresh := goredis.NewClient(opts)
	if err := fresh.Ping(ctx).Err(); err != nil {
		_ = fresh.Close()
		l.breaker.RecordError(err)
		l.markDown()
		return false
	}
	old := l.rdb.Swap(fresh)
	if old != nil {
		_ = old.Close()
	}
	l.breaker.RecordSuccess()
	l.markUp()
	return true
}

func (l *link) markUp() {
	if !l.available.Swap(true) {
		metrics.BrokerLinkUp.WithLabelValues(string(l.role)).Set(1)
	}
}

func (l *link) markDown() {
	if l.available.Swap(false) {
		metrics.BrokerLinkUp.WithLabelValues(string(l.role)).Set(0)
	}
}

func (l *link) close() error {
	return l.client().Close()
}
