package memorystore

import (
	"context"
	"sort"
	"testing"
	"time"
)

func newStore(t *testing.T, maxItems int, opts ...Option) *Store {
	t.Helper()
	s, err := New(maxItems, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q", got)
	}

	ok, err := s.Exists(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("deleted key still resolvable: %q", got)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("original"), 0)
	first, _ := s.Get(ctx, "k1")
	first[0] = 'X'

	second, _ := s.Get(ctx, "k1")
	if string(second) != "original" {
		t.Fatalf("stored value mutated through returned slice: %q", second)
	}
}

func TestExpiryIsLazy(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()

	_ = s.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	_ = s.Set(ctx, "forever", []byte("v"), 0)
	time.Sleep(25 * time.Millisecond)

	got, _ := s.Get(ctx, "short")
	if got != nil {
		t.Fatal("expired entry still resolvable")
	}
	got, _ = s.Get(ctx, "forever")
	if got == nil {
		t.Fatal("zero-ttl entry should not expire")
	}
}

func TestListKeys_Pattern(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()

	_ = s.Set(ctx, "auth:1", []byte("a"), time.Minute)
	_ = s.Set(ctx, "auth:2", []byte("b"), time.Minute)
	_ = s.Set(ctx, "user:1", []byte("c"), time.Minute)
	_ = s.Set(ctx, "auth:gone", []byte("d"), time.Nanosecond)
	time.Sleep(time.Millisecond)

	keys, err := s.ListKeys(ctx, "auth:*")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "auth:1" || keys[1] != "auth:2" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("v"), time.Nanosecond)
	_ = s.Set(ctx, "b", []byte("v"), time.Nanosecond)
	_ = s.Set(ctx, "keep", []byte("v"), time.Minute)
	time.Sleep(time.Millisecond)

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if ok, _ := s.Exists(ctx, "keep"); !ok {
		t.Fatal("unexpired entry purged")
	}
}

func TestCapacityEviction(t *testing.T) {
	s := newStore(t, 2)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("v"), time.Minute)
	_ = s.Set(ctx, "b", []byte("v"), time.Minute)
	_ = s.Set(ctx, "c", []byte("v"), time.Minute)

	if got, _ := s.Get(ctx, "a"); got != nil {
		t.Fatal("oldest entry should have been evicted")
	}
	if got, _ := s.Get(ctx, "c"); got == nil {
		t.Fatal("newest entry missing")
	}
}

func TestBackgroundSweep(t *testing.T) {
	s := newStore(t, 16, WithSweepInterval(10*time.Millisecond))
	ctx := context.Background()

	_ = s.Set(ctx, "gone", []byte("v"), time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// The sweep runs off the request path, so the key should be gone even
	// without a read to trigger lazy expiry.
	keys, _ := s.ListKeys(ctx, "*")
	if len(keys) != 0 {
		t.Fatalf("keys after sweep = %v", keys)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(4, WithSweepInterval(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
