package broker

import (
	"context"
	"errors"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/metrics"
)

// Subscription is one topic subscription's receive surface.
type Subscription interface {
	// Fetch blocks for at most timeout waiting for the next payload.
	// A timeout or non-payload event (subscribe acks, pongs) returns
	// ok=false with a nil error; the listener should simply loop.
	Fetch(ctx context.Context, timeout time.Duration) (payload []byte, ok bool, err error)
	Close() error
}

// Publish sends payload to topic. The return value reports whether the
// publish reached the broker; false means the caller should fall back to
// local-only delivery.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) bool {
	return command(ctx, c, "publish", fallbackBool, func(ctx context.Context, rdb *goredis.Client) (bool, error) {
		if err := rdb.Publish(ctx, topic, payload).Err(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Subscribe opens a subscription on topic through an acquired link.
// Unlike commands, this returns ErrUnavailable when no link is up: a
// subscription has no useful fallback value, and the caller owns the
// resubscribe loop.
func (c *Client) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	l := c.acquire(ctx)
	if l == nil {
		metrics.BrokerOpsTotal.WithLabelValues("subscribe", "fallback").Inc()
		return nil, ErrUnavailable
	}
	metrics.BrokerOpsTotal.WithLabelValues("subscribe", "ok").Inc()
	return &pubsubSubscription{ps: l.client().Subscribe(ctx, topic)}, nil
}

type pubsubSubscription struct {
	ps *goredis.PubSub
}

func (s *pubsubSubscription) Fetch(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	msg, err := s.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}

	switch m := msg.(type) {
	case *goredis.Message:
		return []byte(m.Payload), true, nil
	default:
		// subscription acks and pongs carry no payload
		return nil, false, nil
	}
}

func (s *pubsubSubscription) Close() error {
	return s.ps.Close()
}
