// Package redisstore provides a Redis-backed implementation of the session
// store. Expiry is delegated to Redis native TTLs, so CleanupExpired is a
// no-op on this backend.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/shelfworks/authcore/sessions"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=authcore:sessions:"`
}

// Store implements sessions.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Store from an explicit config, verifying connectivity.
func New(cfg Config) (*Store, error) {
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
		prefix = "authcore:sessions:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client, for callers that share one
// connection pool across the store and the rate limiter.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "authcore:sessions:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Set stores value under key. A positive TTL becomes a Redis expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or nil when Redis has expired or never
// held it.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ListKeys returns keys matching a glob-style pattern, with the store's
// prefix stripped.
func (s *Store) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// CleanupExpired is a no-op: Redis evicts expired keys natively.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ sessions.Store = (*Store)(nil)
