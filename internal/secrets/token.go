package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/picklr-io/reconcilr/internal/logging"
)

// DefaultSkew is subtracted from a token's expiry so a token is not handed
// out moments before the provider rejects it.
const DefaultSkew = 30 * time.Second

// Token is an access token with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Fetcher obtains a fresh token from the provider's auth endpoint.
type Fetcher func(ctx context.Context) (Token, error)

// TokenCache keeps tokens in a Store under "<key>/token" and "<key>/expiry"
// and reuses them until expiry. Concurrent refreshes of the same key collapse
// into one Fetcher call.
type TokenCache struct {
	store Store
	skew  time.Duration
	now   func() time.Time

	mu    sync.Mutex
	group singleflight.Group
}

// TokenOption configures a TokenCache.
type TokenOption func(*TokenCache)

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) TokenOption {
	return func(c *TokenCache) { c.skew = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) { c.now = now }
}

// NewTokenCache returns a cache persisting tokens in store.
func NewTokenCache(store Store, opts ...TokenOption) *TokenCache {
	c := &TokenCache{store: store, skew: DefaultSkew, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func tokenKey(key string) string  { return key + "/token" }
func expiryKey(key string) string { return key + "/expiry" }

// Get returns the cached token for key while it is valid, and otherwise calls
// fetch and stores the result.
func (c *TokenCache) Get(ctx context.Context, key string, fetch Fetcher) (string, error) {
	if tok, ok, err := c.cached(ctx, key); err != nil || ok {
		return tok, err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		// Another caller may have refreshed while we waited.
		if tok, ok, err := c.cached(ctx, key); err != nil || ok {
			return tok, err
		}

		logging.Debug("refreshing token", "key", key)
		t, err := fetch(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to fetch token %s: %w", key, err)
		}
		if t.Value == "" {
			return "", fmt.Errorf("failed to fetch token %s: empty token", key)
		}
		if err := c.store.Set(ctx, tokenKey(key), t.Value); err != nil {
			return "", err
		}
		if err := c.store.Set(ctx, expiryKey(key), t.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
			return "", err
		}
		return t.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for key, e.g. after a 401.
func (c *TokenCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Remove(ctx, tokenKey(key)); err != nil {
		return err
	}
	return c.store.Remove(ctx, expiryKey(key))
}

func (c *TokenCache) cached(ctx context.Context, key string) (string, bool, error) {
	tok, ok, err := c.store.Get(ctx, tokenKey(key))
	if err != nil || !ok || tok == "" {
		return "", false, err
	}
	raw, ok, err := c.store.Get(ctx, expiryKey(key))
	if err != nil || !ok {
		return "", false, err
	}
	expiry, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// An unreadable expiry is treated as expired.
		return "", false, nil
	}
	if !c.now().Add(c.skew).Before(expiry) {
		return "", false, nil
	}
	return tok, true, nil
}
