// Package rediswindow backs the sliding-window rate limiter with Redis
// sorted sets, for deployments where admission state must be shared across
// processes. Prune, count and record run as one Lua script, so concurrency
// control lives entirely in Redis.
package rediswindow

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/shelfworks/authcore/ratelimit"
)

// Config for the Redis-backed limiter. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX,default=authcore:ratelimit:"`
}

// takeScript prunes expired members, counts the survivors, and records the
// new event only when the window has room. KEYS[1] is the window key;
// ARGV = cutoff, now (microsecond scores), limit, ttl seconds. Returns
// {admitted, oldestScore}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', key, now, tostring(now))
redis.call('EXPIRE', key, ttl)
return {1, '0'}
`)

// Backend implements ratelimit.Backend on Redis sorted sets.
type Backend struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Backend from an explicit config, verifying connectivity.
func New(cfg Config) (*Backend, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authcore:ratelimit:"
	}
	return &Backend{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, keyPrefix string) *Backend {
	if keyPrefix == "" {
		keyPrefix = "authcore:ratelimit:"
	}
	return &Backend{client: client, keyPrefix: keyPrefix}
}

// Take implements ratelimit.Backend.
func (b *Backend) Take(ctx context.Context, key string, cutoff, now time.Time, limit int) (bool, time.Time, error) {
	ttl := int64(now.Sub(cutoff)/time.Second) + 1
	res, err := takeScript.Run(ctx, b.client, []string{b.keyPrefix + key},
		cutoff.UnixMicro(), now.UnixMicro(), limit, ttl).Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("rediswindow take %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("rediswindow take %s: unexpected reply %v", key, res)
	}

	admitted, _ := res[0].(int64)
	if admitted == 1 {
		return true, time.Time{}, nil
	}
	var oldestMicro int64
	switch v := res[1].(type) {
	case string:
		fmt.Sscanf(v, "%d", &oldestMicro)
	case int64:
		oldestMicro = v
	}
	return false, time.UnixMicro(oldestMicro), nil
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

var _ ratelimit.Backend = (*Backend)(nil)
