// Package ratelimit provides process-wide token buckets shared across
// sessions (spec §5): a local golang.org/x/time/rate limiter per vendor,
// optionally backed by Redis so multiple process instances share the same
// budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter waits for permission to make one vendor call, cooperatively
// cancellable like any other I/O suspension point.
type Limiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter wraps x/time/rate for a single-process deployment.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocal returns a process-local limiter allowing qps requests per second
// with the given burst.
func NewLocal(qps float64, burst int) *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// RedisLimiter implements a shared token bucket using a Redis key as the
// bucket, so concurrent processes draw from the same per-vendor budget.
// Refill is computed lazily on each call from elapsed wall-clock time,
// avoiding a background goroutine.
type RedisLimiter struct {
	client   *redis.Client
	key      string
	capacity int64
	refillPerSecond float64
	pollInterval    time.Duration
}

// NewRedis returns a limiter backed by client, with bucket state held under
// key. capacity is the bucket size and refillPerSecond the sustained rate.
func NewRedis(client *redis.Client, key string, capacity int64, refillPerSecond float64) *RedisLimiter {
	return &RedisLimiter{
		client:          client,
		key:             key,
		capacity:        capacity,
		refillPerSecond: refillPerSecond,
		pollInterval:    50 * time.Millisecond,
	}
}

// bucketScript atomically refills the bucket based on elapsed time since
// the last draw, then takes one token if available.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_second = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  ts = now_ms
end

local elapsed_s = (now_ms - ts) / 1000.0
if elapsed_s > 0 then
  tokens = math.min(capacity, tokens + elapsed_s * refill_per_second)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", now_ms)
redis.call("EXPIRE", key, 3600)

return allowed
`)

// Wait blocks, polling the shared bucket, until a token is available or ctx
// is cancelled.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		allowed, err := bucketScript.Run(ctx, l.client, []string{l.key},
			l.capacity, l.refillPerSecond, time.Now().UnixMilli()).Int()
		if err != nil {
			return fmt.Errorf("rate limit bucket eval: %w", err)
		}
		if allowed == 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
