package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader reads through a cache, collapsing concurrent loads of the same
// key into one upstream call.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader wraps the cache.
func NewLoader(c Cache) *Loader {
	return &Loader{cache: c}
}

// Invalidate drops every cached entry under the prefix.
func (l *Loader) Invalidate(ctx context.Context, prefix string) error {
	return l.cache.DeletePrefix(ctx, prefix)
}

// Load returns the cached value for key, or runs fn once per key across
// concurrent callers, caching its encoded result for ttl.
func Load[T any](ctx context.Context, l *Loader, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if data, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		var out T
		if err := Decode(data, &out); err == nil {
			return out, nil
		}
		// A stale or foreign encoding falls through to a reload.
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := Encode(out)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(ctx, key, data, ttl); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}
