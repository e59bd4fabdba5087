// Package jwks resolves and caches provider public-key sets.
//
// A Resolver fetches a JWKS document from a provider's published key-set
// endpoint, parses it, and caches it keyed by that URL. Entries expire
// lazily: an expired entry is treated as a cache miss on the next read.
// Concurrent misses for the same URL share a single fetch.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrKeyFetch is the sentinel wrapped by every KeyFetchError. Callers branch
// with errors.Is(err, ErrKeyFetch) and must surface a typed verification
// failure rather than crashing the enclosing flow.
var ErrKeyFetch = errors.New("jwks: key fetch failed")

// KeyFetchError reports a failed attempt to retrieve or parse a key set.
type KeyFetchError struct {
	URL string
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("jwks: fetching %s: %v", e.URL, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return ErrKeyFetch }

// KeySet is a fetched key set with its retrieval timestamp.
type KeySet struct {
	Keys      jose.JSONWebKeySet
	FetchedAt time.Time
}

// Key returns the keys matching the given key ID.
func (ks *KeySet) Key(kid string) []jose.JSONWebKey {
	return ks.Keys.Key(kid)
}

type cacheEntry struct {
	set       *KeySet
	expiresAt time.Time
}

// Resolver fetches and caches JWKS documents. The zero value is not usable;
// construct with NewResolver. Resolver is safe for concurrent use.
type Resolver struct {
	client       *http.Client
	ttl          time.Duration
	fetchTimeout time.Duration

	cache *lru.Cache[string, cacheEntry]
	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client used for key-set fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithTTL overrides how long a fetched key set is served from cache.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithFetchTimeout bounds a single key-set fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.fetchTimeout = d }
}

const (
	defaultTTL          = time.Hour
	defaultFetchTimeout = 5 * time.Second
	// Key sets are small and the set of trusted issuers is smaller still.
	defaultCapacity = 16
)

// NewResolver creates a Resolver with a capacity-bounded cache.
func NewResolver(opts ...Option) (*Resolver, error) {
	cache, err := lru.New[string, cacheEntry](defaultCapacity)
	if err != nil {
		return nil, fmt.Errorf("jwks: create cache: %w", err)
	}
	r := &Resolver{
		client:       &http.Client{},
		ttl:          defaultTTL,
		fetchTimeout: defaultFetchTimeout,
		cache:        cache,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// GetKeys returns the key set published at jwksURL, serving from cache when a
// fresh entry exists. Concurrent callers missing on the same URL wait on one
// shared fetch rather than stampeding the provider.
func (r *Resolver) GetKeys(ctx context.Context, jwksURL string) (*KeySet, error) {
	if entry, ok := r.cache.Get(jwksURL); ok {
		if time.Now().Before(entry.expiresAt) {
			return entry.set, nil
		}
		r.cache.Remove(jwksURL)
	}

	v, err, _ := r.group.Do(jwksURL, func() (any, error) {
		// A concurrent caller may have filled the cache while we waited
		// on the group.
		if entry, ok := r.cache.Get(jwksURL); ok && time.Now().Before(entry.expiresAt) {
			return entry.set, nil
		}
		set, err := r.fetch(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		r.cache.Add(jwksURL, cacheEntry{set: set, expiresAt: set.FetchedAt.Add(r.ttl)})
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeySet), nil
}

func (r *Resolver) fetch(ctx context.Context, jwksURL string) (*KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &KeyFetchError{URL: jwksURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: err}
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: fmt.Errorf("parse key set: %w", err)}
	}
	if len(set.Keys) == 0 {
		return nil, &KeyFetchError{URL: jwksURL, Err: errors.New("key set contains no keys")}
	}

	return &KeySet{Keys: set, FetchedAt: time.Now()}, nil
}
