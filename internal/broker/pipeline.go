package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/metrics"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/retry"
)

// Pipeline batches commands into one broker round trip. Exec always
// returns exactly one result per queued command, in queue order; on total
// failure every slot holds that command's fallback value. Callers must not
// assume any queued command's broker-side effect did or did not happen
// when fallbacks are returned.
type Pipeline struct {
	c    *Client
	cmds []queuedCmd
}

type queuedCmd struct {
	op      string
	kind    kind
	queue   func(context.Context, goredis.Pipeliner) goredis.Cmder
	extract func(goredis.Cmder) (any, error)
}

func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{c: c}
}

// Len reports the number of queued commands.
func (p *Pipeline) Len() int {
	return len(p.cmds)
}

func (p *Pipeline) add(op string, k kind, queue func(context.Context, goredis.Pipeliner) goredis.Cmder, extract func(goredis.Cmder) (any, error)) *Pipeline {
	p.cmds = append(p.cmds, queuedCmd{op: op, kind: k, queue: queue, extract: extract})
	return p
}

func extractString(cmd goredis.Cmder) (any, error) {
	v, err := cmd.(*goredis.StringCmd).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return v, err
}

func extractInt(cmd goredis.Cmder) (any, error) {
	return cmd.(*goredis.IntCmd).Result()
}

func extractBool(cmd goredis.Cmder) (any, error) {
	return cmd.(*goredis.BoolCmd).Result()
}

func extractStatusOK(cmd goredis.Cmder) (any, error) {
	if err := cmd.(*goredis.StatusCmd).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) Get(key string) *Pipeline {
	return p.add("get", kindString,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.Get(ctx, key) },
		extractString)
}

func (p *Pipeline) Set(key, value string, ttl time.Duration) *Pipeline {
	return p.add("set", kindBool,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.Set(ctx, key, value, ttl) },
		extractStatusOK)
}

func (p *Pipeline) Delete(key string) *Pipeline {
	return p.add("delete", kindCount,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.Del(ctx, key) },
		extractInt)
}

func (p *Pipeline) Incr(key string) *Pipeline {
	return p.add("incr", kindIncr,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.Incr(ctx, key) },
		extractInt)
}

func (p *Pipeline) Decr(key string) *Pipeline {
	return p.add("decr", kindDecr,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.Decr(ctx, key) },
		extractInt)
}

func (p *Pipeline) SAdd(key, member string) *Pipeline {
	return p.add("sadd", kindCount,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.SAdd(ctx, key, member) },
		extractInt)
}

func (p *Pipeline) SRem(key, member string) *Pipeline {
	return p.add("srem", kindCount,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.SRem(ctx, key, member) },
		extractInt)
}

func (p *Pipeline) SCard(key string) *Pipeline {
	return p.add("scard", kindCount,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.SCard(ctx, key) },
		extractInt)
}

func (p *Pipeline) HSet(key, field, value string) *Pipeline {
	return p.add("hset", kindCount,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder {
			return pipe.HSet(ctx, key, field, value)
		},
		extractInt)
}

func (p *Pipeline) HGet(key, field string) *Pipeline {
	return p.add("hget", kindString,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.HGet(ctx, key, field) },
		extractString)
}

func (p *Pipeline) HGetAll(key string) *Pipeline {
	return p.add("hgetall", kindStringMap,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.HGetAll(ctx, key) },
		func(cmd goredis.Cmder) (any, error) {
			v, err := cmd.(*goredis.MapStringStringCmd).Result()
			if err != nil {
				return nil, err
			}
			if v == nil {
				v = map[string]string{}
			}
			return v, nil
		})
}

func (p *Pipeline) Expire(key string, ttl time.Duration) *Pipeline {
	return p.add("expire", kindBool,
		func(ctx context.Context, pipe goredis.Pipeliner) goredis.Cmder { return pipe.Expire(ctx, key, ttl) },
		extractBool)
}

// Exec sends the queued commands in one round trip, retrying with link
// re-acquisition like single commands. The result slice length always
// equals the number of queued commands.
func (p *Pipeline) Exec(ctx context.Context) []any {
	results := make([]any, len(p.cmds))
	if len(p.cmds) == 0 {
		return results
	}

	attempt := func() ([]goredis.Cmder, error) {
		l := p.c.acquire(ctx)
		if l == nil {
			return nil, errNoLink
		}

		opCtx, cancel := context.WithTimeout(ctx, p.c.cfg.OpTimeout)
		defer cancel()

		pipe := l.client().Pipeline()
		handles := make([]goredis.Cmder, len(p.cmds))
		for i, qc := range p.cmds {
			handles[i] = qc.queue(opCtx, pipe)
		}

		// Exec surfaces the first per-command error too; those are resolved
		// per slot below and must not fail the batch or the link.
		if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, goredis.Nil) {
			if isTransportErr(err) {
				l.markDown()
				return nil, err
			}
		}
		return handles, nil
	}

	handles, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: p.c.cfg.Retries,
		OnRetry: func(n int, err error) {
			slog.Warn("Broker pipeline failed, retrying", "commands", len(p.cmds), "attempt", n, "error", err)
		},
	}, attempt)
	if err != nil {
		slog.Warn("Broker pipeline degraded to fallback values", "commands", len(p.cmds), "error", err)
		metrics.BrokerFallbackReturnsTotal.Inc()
		metrics.BrokerOpsTotal.WithLabelValues("pipeline", "fallback").Inc()
		for i, qc := range p.cmds {
			results[i] = qc.kind.fallback()
		}
		return results
	}

	metrics.BrokerOpsTotal.WithLabelValues("pipeline", "ok").Inc()
	for i, qc := range p.cmds {
		v, err := qc.extract(handles[i])
		if err != nil {
			slog.Warn("Broker pipeline command errored, substituting fallback", "operation", qc.op, "error", err)
			results[i] = qc.kind.fallback()
			continue
		}
		results[i] = v
	}
	return results
}
