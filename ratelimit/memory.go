package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps per-key timestamp windows in process memory. A single
// mutex guards the whole map; admission checks are cheap enough that per-key
// locking buys nothing at the request rates this guards.
type MemoryBackend struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[string][]time.Time)}
}

// Take implements Backend.
func (b *MemoryBackend) Take(ctx context.Context, key string, cutoff, now time.Time, limit int) (bool, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	win := b.windows[key]
	start := 0
	for start < len(win) && !win[start].After(cutoff) {
		start++
	}
	win = win[start:]

	if len(win) >= limit {
		b.windows[key] = win
		return false, win[0], nil
	}

	win = append(win, now)
	b.windows[key] = win
	return true, time.Time{}, nil
}

// Sweep drops keys whose windows are entirely older than cutoff. Call it
// periodically to bound memory on high-cardinality key spaces.
func (b *MemoryBackend) Sweep(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, win := range b.windows {
		if len(win) == 0 || !win[len(win)-1].After(cutoff) {
			delete(b.windows, key)
		}
	}
}

var _ Backend = (*MemoryBackend)(nil)
