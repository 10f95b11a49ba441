package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with TTL caching so repeated
// resolutions (hot reloads, prober restarts) do not hit the backend. Values
// past their TTL are re-resolved on access; a failed refresh falls back to
// the last known value.
type CachedProvider struct {
	inner Provider
	ttl   time.Duration
	store *cache.Cache
	now   func() time.Time
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// NewCachedProvider wraps inner with a cache holding values fresh for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		ttl:   ttl,
		store: cache.New(cache.NoExpiration, 0),
		now:   time.Now,
	}
}

// Get returns the cached value while it is fresh, re-resolving otherwise.
// When the backend errors and an earlier value exists, that value is served
// in place of the error.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	var last *cachedSecret
	if v, ok := p.store.Get(path); ok {
		entry := v.(cachedSecret)
		if p.now().Sub(entry.fetchedAt) < p.ttl {
			return entry.value, nil
		}
		last = &entry
	}

	value, err := p.inner.Get(ctx, path)
	if err != nil {
		if last != nil {
			return last.value, nil
		}
		return "", err
	}

	p.store.Set(path, cachedSecret{value: value, fetchedAt: p.now()}, cache.NoExpiration)
	return value, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
