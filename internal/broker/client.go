package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/metrics"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/retry"
)

// ErrUnavailable is returned by Subscribe when no broker link can be
// acquired. Commands never return it; they degrade to fallback values.
var ErrUnavailable = errors.New("broker: no link available")

var errNoLink = errors.New("broker: link acquisition failed")

// isTransportErr reports whether err means the connection itself is broken
// rather than the broker rejecting a command. A reply from the server, even
// an error reply like WRONGTYPE, proves the link is alive and must not mark
// it down.
func isTransportErr(err error) bool {
	if err == nil {
		return false
	}
	var replyErr goredis.Error
	return !errors.As(err, &replyErr)
}

// Config holds the connection settings for the primary/fallback pair.
type Config struct {
	PrimaryAddr  string
	FallbackAddr string
	DB           int
	Password     string
	DialTimeout  time.Duration
	OpTimeout    time.Duration
	Retries      int
	DefaultTTL   time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 2 * time.Second
	}
	if c.Retries < 1 {
		c.Retries = 2
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
}

// Client is the shared resilient access layer to the broker. One instance
// serves caching, counters, rate limiting and the broadcast managers; a
// failover affects all of them at once since it represents total loss of
// the primary broker.
type Client struct {
	cfg      Config
	clock    clockwork.Clock
	primary  *link
	fallback *link

	// serializes re-establishment when both links are down
	redialMu sync.Mutex
}

func NewClient(cfg Config, clock clockwork.Clock) *Client {
	cfg.applyDefaults()
	c := &Client{cfg: cfg, clock: clock}
	c.primary = newLink(rolePrimary, c.options(cfg.PrimaryAddr))
	c.fallback = newLink(roleFallback, c.options(cfg.FallbackAddr))
	return c
}

func (c *Client) options(addr string) *goredis.Options {
	return &goredis.Options{
		Addr:         addr,
		DB:           c.cfg.DB,
		Password:     c.cfg.Password,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.OpTimeout,
		WriteTimeout: c.cfg.OpTimeout,
		MaxRetries:   -1, // the client does its own bounded retry
	}
}

// DefaultTTL is the expiry applied by Set.
func (c *Client) DefaultTTL() time.Duration {
	return c.cfg.DefaultTTL
}

// Close releases both links. Best effort; the last error wins.
func (c *Client) Close() error {
	err := c.primary.close()
	if ferr := c.fallback.close(); ferr != nil {
		err = ferr
	}
	return err
}

// Healthy reports whether any link currently answers a probe.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.acquire(ctx) != nil
}

// acquire picks the link to serve one call: probe the primary if its flag
// is up, fail over to the fallback on probe failure, and re-establish both
// connections when neither flag is up. Returns nil when the broker is
// entirely unreachable.
func (c *Client) acquire(ctx context.Context) *link {
	if c.primary.available.Load() {
		if c.primary.probe(ctx) {
			return c.primary
		}
		slog.Warn("Broker primary link lost, failing over", "fallback_addr", c.cfg.FallbackAddr)
		metrics.BrokerFailoversTotal.WithLabelValues(string(rolePrimary)).Inc()
	}
	if c.fallback.available.Load() {
		if c.fallback.probe(ctx) {
			return c.fallback
		}
		slog.Warn("Broker fallback link lost", "fallback_addr", c.cfg.FallbackAddr)
		metrics.BrokerFailoversTotal.WithLabelValues(string(roleFallback)).Inc()
	}
	return c.reestablish(ctx)
}

// reestablish rebuilds both connections from scratch. Called only when
// both availability flags are down.
func (c *Client) reestablish(ctx context.Context) *link {
	c.redialMu.Lock()
	defer c.redialMu.Unlock()

	// another caller may have brought a link back while we waited
	if c.primary.available.Load() {
		return c.primary
	}
	if c.fallback.available.Load() {
		return c.fallback
	}

	metrics.BrokerReconnectsTotal.Inc()
	slog.Warn("Both broker links down, re-establishing connections")

	primaryUp := c.primary.redial(ctx, c.options(c.cfg.PrimaryAddr))
	fallbackUp := c.fallback.redial(ctx, c.options(c.cfg.FallbackAddr))

	switch {
	case primaryUp:
		return c.primary
	case fallbackUp:
		return c.fallback
	default:
		return nil
	}
}

// command runs fn against an acquired link with bounded retries,
// re-acquiring a link between attempts. When no link is ever available or
// every attempt errors, it returns fb and records the degradation.
func command[T any](ctx context.Context, c *Client, op string, fb T, fn func(context.Context, *goredis.Client) (T, error)) T {
	attempt := func() (T, error) {
		var zero T
		l := c.acquire(ctx)
		if l == nil {
			return zero, errNoLink
		}

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()

		v, err := fn(opCtx, l.client())
		if err != nil {
			if isTransportErr(err) {
				l.markDown()
			}
			return zero, err
		}
		return v, nil
	}

	val, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: c.cfg.Retries,
		OnRetry: func(n int, err error) {
			slog.Warn("Broker command failed, retrying", "operation", op, "attempt", n, "error", err)
		},
	}, attempt)
	if err != nil {
		slog.Warn("Broker command degraded to fallback value", "operation", op, "error", err)
		metrics.BrokerFallbackReturnsTotal.Inc()
		metrics.BrokerOpsTotal.WithLabelValues(op, "fallback").Inc()
		return fb
	}

	metrics.BrokerOpsTotal.WithLabelValues(op, "ok").Inc()
	return val
}

// --- Scalar commands ---

// Get returns the value at key. ok is false for both a missing key and a
// degraded broker; callers needing the distinction must consult the
// system of record.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	type result struct {
		val string
		ok  bool
	}
	r := command(ctx, c, "get", result{fallbackString, false}, func(ctx context.Context, rdb *goredis.Client) (result, error) {
		v, err := rdb.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{v, true}, nil
	})
	return r.val, r.ok
}

// Set stores value at key with the client's default expiry.
func (c *Client) Set(ctx context.Context, key, value string) bool {
	return c.SetTTL(ctx, key, value, c.cfg.DefaultTTL)
}

// SetTTL stores value at key with an explicit expiry; zero means no expiry.
func (c *Client) SetTTL(ctx context.Context, key, value string, ttl time.Duration) bool {
	return command(ctx, c, "set", fallbackBool, func(ctx context.Context, rdb *goredis.Client) (bool, error) {
		if err := rdb.Set(ctx, key, value, ttl).Err(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Delete removes keys and returns how many existed.
func (c *Client) Delete(ctx context.Context, keys ...string) int64 {
	return command(ctx, c, "delete", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		return rdb.Del(ctx, keys...).Result()
	})
}

// Incr increments the counter at key. The fallback is 1, the value a
// fresh counter would hold, so normal-path caller code keeps working.
func (c *Client) Incr(ctx context.Context, key string) int64 {
	return command(ctx, c, "incr", fallbackIncr, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		return rdb.Incr(ctx, key).Result()
	})
}

// Decr decrements the counter at key. The fallback mirrors Incr's.
func (c *Client) Decr(ctx context.Context, key string) int64 {
	return command(ctx, c, "decr", fallbackDecr, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		return rdb.Decr(ctx, key).Result()
	})
}

// --- Set commands ---

func (c *Client) SAdd(ctx context.Context, key string, members ...string) int64 {
	return command(ctx, c, "sadd", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return rdb.SAdd(ctx, key, args...).Result()
	})
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) int64 {
	return command(ctx, c, "srem", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return rdb.SRem(ctx, key, args...).Result()
	})
}

func (c *Client) SCard(ctx context.Context, key string) int64 {
	return command(ctx, c, "scard", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		return rdb.SCard(ctx, key).Result()
	})
}

func (c *Client) SIsMember(ctx context.Context, key, member string) bool {
	return command(ctx, c, "sismember", fallbackBool, func(ctx context.Context, rdb *goredis.Client) (bool, error) {
		return rdb.SIsMember(ctx, key, member).Result()
	})
}

// SMembers returns the set at key; the fallback is an empty, non-nil slice.
func (c *Client) SMembers(ctx context.Context, key string) []string {
	return command(ctx, c, "smembers", fallbackStrings(), func(ctx context.Context, rdb *goredis.Client) ([]string, error) {
		v, err := rdb.SMembers(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = []string{}
		}
		return v, nil
	})
}

// --- Hash commands ---

func (c *Client) HSet(ctx context.Context, key, field, value string) bool {
	return command(ctx, c, "hset", fallbackBool, func(ctx context.Context, rdb *goredis.Client) (bool, error) {
		if err := rdb.HSet(ctx, key, field, value).Err(); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool) {
	type result struct {
		val string
		ok  bool
	}
	r := command(ctx, c, "hget", result{fallbackString, false}, func(ctx context.Context, rdb *goredis.Client) (result, error) {
		v, err := rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, goredis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{v, true}, nil
	})
	return r.val, r.ok
}

// HGetAll returns the hash at key; the fallback is an empty, non-nil map.
func (c *Client) HGetAll(ctx context.Context, key string) map[string]string {
	return command(ctx, c, "hgetall", fallbackStringMap(), func(ctx context.Context, rdb *goredis.Client) (map[string]string, error) {
		v, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = map[string]string{}
		}
		return v, nil
	})
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) int64 {
	return command(ctx, c, "hdel", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		return rdb.HDel(ctx, key, fields...).Result()
	})
}

// --- List commands ---

func (c *Client) LPush(ctx context.Context, key string, values ...string) int64 {
	return command(ctx, c, "lpush", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		return rdb.LPush(ctx, key, args...).Result()
	})
}

func (c *Client) RPush(ctx context.Context, key string, values ...string) int64 {
	return command(ctx, c, "rpush", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		return rdb.RPush(ctx, key, args...).Result()
	})
}

func (c *Client) LLen(ctx context.Context, key string) int64 {
	return command(ctx, c, "llen", fallbackCount, func(ctx context.Context, rdb *goredis.Client) (int64, error) {
		return rdb.LLen(ctx, key).Result()
	})
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) []string {
	return command(ctx, c, "lrange", fallbackStrings(), func(ctx context.Context, rdb *goredis.Client) ([]string, error) {
		v, err := rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = []string{}
		}
		return v, nil
	})
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) bool {
	return command(ctx, c, "ltrim", fallbackBool, func(ctx context.Context, rdb *goredis.Client) (bool, error) {
		if err := rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// --- Expiry commands ---

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	return command(ctx, c, "expire", fallbackBool, func(ctx context.Context, rdb *goredis.Client) (bool, error) {
		return rdb.Expire(ctx, key, ttl).Result()
	})
}

// TTL returns the remaining expiry of key; the fallback is zero.
func (c *Client) TTL(ctx context.Context, key string) time.Duration {
	return command(ctx, c, "ttl", fallbackDuration, func(ctx context.Context, rdb *goredis.Client) (time.Duration, error) {
		return rdb.TTL(ctx, key).Result()
	})
}
