// Package ratelimit provides sliding-window request admission control.
//
// One Limiter carries the admission policy; the timestamp bookkeeping behind
// it is a pluggable Backend, so the in-process and Redis variants admit
// identically. Keys follow "{identity}:{method}:{endpoint}" where identity
// is "user:{uid}" for authenticated callers and "ip:{address}" otherwise.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter hints when the caller may retry after a rejection. It is
	// always positive on a rejection.
	RetryAfter time.Duration
}

// Backend stores per-key event timestamps. Take must be atomic with respect
// to concurrent callers on the same key: prune, count and record are one
// read-modify-write step.
type Backend interface {
	// Take drops timestamps at or before cutoff from key's window, then, if
	// fewer than limit remain, records now and reports admitted=true.
	// Otherwise it reports the oldest surviving timestamp so the caller can
	// compute a retry hint.
	Take(ctx context.Context, key string, cutoff, now time.Time, limit int) (admitted bool, oldest time.Time, err error)
}

// Limiter admits requests under a fixed limit per sliding window.
type Limiter struct {
	backend Backend
	limit   int
	window  time.Duration

	now func() time.Time // test seam
}

// NewLimiter builds a Limiter admitting at most limit events per window.
func NewLimiter(backend Backend, limit int, window time.Duration) *Limiter {
	return &Limiter{backend: backend, limit: limit, window: window, now: time.Now}
}

// Allow performs one admission check against key. A rejection carries a
// Retry-After hint of window - (now - oldest).
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	admitted, oldest, err := l.backend.Take(ctx, key, now.Add(-l.window), now, l.limit)
	if err != nil {
		return Decision{}, err
	}
	if admitted {
		return Decision{Allowed: true}, nil
	}
	retry := l.window - now.Sub(oldest)
	if retry <= 0 {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// UserIdentity returns the admission identity for an authenticated caller.
func UserIdentity(uid string) string { return "user:" + uid }

// IPIdentity returns the admission identity for an anonymous caller.
func IPIdentity(addr string) string { return "ip:" + addr }

// Key joins identity with optional method and endpoint segments.
func Key(identity, method, endpoint string) string {
	parts := []string{identity}
	if method != "" {
		parts = append(parts, method)
	}
	if endpoint != "" {
		parts = append(parts, endpoint)
	}
	return strings.Join(parts, ":")
}
