// Package redisstore implements the shared rate-limit counter store
// on Redis. All counter arithmetic runs inside a single Lua script so
// concurrent gateway replicas observe linearizable per-key state.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
)

// takeScript checks both counters, denies without side effects when
// either is exhausted, and otherwise increments both, stamping TTLs on
// first use. Returns {allowed, count, burst, window_pttl, burst_pttl}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local burst = tonumber(redis.call('GET', KEYS[2]) or '0')
local limit = tonumber(ARGV[1])
local burst_limit = tonumber(ARGV[2])

if count >= limit or burst >= burst_limit then
  return {0, count, burst, redis.call('PTTL', KEYS[1]), redis.call('PTTL', KEYS[2])}
end

count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
burst = redis.call('INCR', KEYS[2])
if burst == 1 then
  redis.call('EXPIRE', KEYS[2], 60)
end

return {1, count, burst, redis.call('PTTL', KEYS[1]), redis.call('PTTL', KEYS[2])}
`)

// Store is a ratelimit.Store backed by a Redis instance shared across
// gateway replicas.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies connectivity before
// returning. The caller owns the store and must Close it.
func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("rate-limit store connected", "backend", "redis", "addr", addr, "db", db)
	return &Store{client: client}, nil
}

// Take runs the atomic counter script for key.
func (s *Store) Take(ctx context.Context, key string, window time.Duration, limit, burstLimit int) (ratelimit.TakeResult, error) {
	keys := []string{key, ratelimit.BurstKey(key)}
	vals, err := takeScript.Run(ctx, s.client, keys, limit, burstLimit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.TakeResult{}, fmt.Errorf("rate-limit take for %s: %w", key, err)
	}
	if len(vals) != 5 {
		return ratelimit.TakeResult{}, fmt.Errorf("rate-limit take for %s: unexpected script reply of %d values", key, len(vals))
	}

	return ratelimit.TakeResult{
		Allowed:   vals[0] == 1,
		Count:     vals[1],
		Burst:     vals[2],
		WindowTTL: fromMillis(vals[3]),
		BurstTTL:  fromMillis(vals[4]),
	}, nil
}

// Peek reads both counters without consuming.
func (s *Store) Peek(ctx context.Context, key string) (ratelimit.BucketView, error) {
	burstKey := ratelimit.BurstKey(key)

	pipe := s.client.Pipeline()
	countCmd := pipe.Get(ctx, key)
	burstCmd := pipe.Get(ctx, burstKey)
	windowTTLCmd := pipe.PTTL(ctx, key)
	burstTTLCmd := pipe.PTTL(ctx, burstKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return ratelimit.BucketView{}, fmt.Errorf("rate-limit peek for %s: %w", key, err)
	}

	view := ratelimit.BucketView{Key: key}
	if count, err := countCmd.Int64(); err == nil {
		view.Count = count
	}
	if burst, err := burstCmd.Int64(); err == nil {
		view.Burst = burst
	}
	if ttl, err := windowTTLCmd.Result(); err == nil && ttl > 0 {
		view.WindowTTL = ttl
	}
	if ttl, err := burstTTLCmd.Result(); err == nil && ttl > 0 {
		view.BurstTTL = ttl
	}
	return view, nil
}

// Ping reports backend reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func fromMillis(v int64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// Compile-time interface verification.
var _ ratelimit.Store = (*Store)(nil)
