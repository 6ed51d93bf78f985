// Package fleetlimit enforces a concurrency ceiling shared across every
// replica of a deployment, on top of (not instead of) each replica's own
// local admission semaphore. A single replica's in-process semaphore only
// bounds load on that one process; fleetlimit adds an optional second
// check against a sliding window kept in Redis, so a deployment-wide
// burst gets rejected even when no single replica is individually
// saturated.
package fleetlimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more concurrent request may be admitted
// under a shared key (typically the deployment name).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// Config configures a RedisLimiter.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Limit is the maximum number of concurrently-admitted requests
	// across the whole deployment, within Window.
	Limit  int
	Window time.Duration
}

// RedisLimiter tracks admitted requests in a Redis sorted set keyed by
// deployment, scored by admission time, so stale entries fall out of the
// window automatically.
type RedisLimiter struct {
	client      *redis.Client
	limit       int
	window      time.Duration
	allowScript *redis.Script
}

// NewRedisLimiter dials Redis and prepares the atomic check-and-admit
// script. The sliding window is implemented with ZADD/ZREMRANGEBYSCORE so
// the check and the admission happen in one round trip.
func NewRedisLimiter(ctx context.Context, cfg Config) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("fleetlimit: redis ping failed: %w", err)
	}

	script := redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local window_ms = tonumber(ARGV[2])
		local now = tonumber(ARGV[3])
		local member = ARGV[4]

		redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

		local current = redis.call('ZCARD', key)
		if current >= limit then
			return 0
		end

		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms)
		return 1
	`)

	return &RedisLimiter{client: client, limit: cfg.Limit, window: cfg.Window, allowScript: script}, nil
}

// Allow admits one request under key if the shared window has room.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	member := fmt.Sprintf("%d:%p", time.Now().UnixNano(), &key)
	result, err := l.allowScript.Run(ctx, l.client,
		[]string{fleetKey(key)},
		l.limit, l.window.Milliseconds(), time.Now().UnixMilli(), member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("fleetlimit: allow check failed: %w", err)
	}
	return result == 1, nil
}

// Release evicts nothing and always returns nil: an admitted entry leaves
// the sliding window only by aging out of it.
func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	return nil
}

// Close releases the underlying Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func fleetKey(key string) string {
	return "replicacore:fleetlimit:" + key
}

// NoopLimiter always admits; used when fleet-wide limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(ctx context.Context, key string) (bool, error) { return true, nil }
func (NoopLimiter) Release(ctx context.Context, key string) error       { return nil }
func (NoopLimiter) Close() error                                        { return nil }
