// Package memorystore provides an in-process implementation of the session
// store using a capacity-bounded LRU cache. Expiry is lazy on read, with an
// explicit CleanupExpired sweep for callers that want proactive purging.
package memorystore

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shelfworks/authcore/sessions"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Store implements sessions.Store in process memory.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]

	sweepEvery time.Duration
	stopSweep  chan struct{}
	closeOnce  sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval starts a background sweep of expired entries at the
// given interval. Without it, expiry is purely lazy.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

// New creates a memory store holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Store, error) {
	cache, err := lru.New[string, *entry](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memorystore: create cache: %w", err)
	}
	s := &Store{cache: cache, stopSweep: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepEvery > 0 {
		go s.sweepLoop()
	}
	return s, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.cache.Add(key, e)
	s.mu.Unlock()
	return nil
}

// Get returns the value for key, or nil when absent or expired. Expired
// entries are removed on read.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if e.expired() {
		s.cache.Remove(key)
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	return v != nil, err
}

// ListKeys returns unexpired keys matching a glob-style pattern.
func (s *Store) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, key := range s.cache.Keys() {
		if e, ok := s.cache.Peek(key); ok && !e.expired() {
			if matched, _ := path.Match(pattern, key); matched {
				out = append(out, key)
			}
		}
	}
	return out, nil
}

// CleanupExpired removes every expired entry and returns the purge count.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, key := range s.cache.Keys() {
		if e, ok := s.cache.Peek(key); ok && e.expired() {
			s.cache.Remove(key)
			count++
		}
	}
	return count, nil
}

// Close stops the background sweep, if any, and drops all entries.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopSweep) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.CleanupExpired(context.Background())
		case <-s.stopSweep:
			return
		}
	}
}

var _ sessions.Store = (*Store)(nil)
