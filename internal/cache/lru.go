package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultLRUSize = 10000

// LRU is an in-process read-through cache bounded by size and entry age.
type LRU[V any] struct {
	entries *expirable.LRU[string, V]
	load    Loader[V]
}

// NewLRU creates an LRU cache. A zero ttl keeps entries until they are evicted by size.
func NewLRU[V any](size int, ttl time.Duration, load Loader[V]) (*LRU[V], error) {
	if load == nil {
		return nil, errMissingLoader
	}
	if size <= 0 {
		size = defaultLRUSize
	}
	return &LRU[V]{
		entries: expirable.NewLRU[string, V](size, nil, ttl),
		load:    load,
	}, nil
}

// Fetch returns the cached value for key, loading and storing it on a miss.
func (c *LRU[V]) Fetch(ctx context.Context, key string) (V, error) {
	if value, ok := c.entries.Get(key); ok {
		return value, nil
	}
	value, err := c.load(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries.Add(key, value)
	return value, nil
}

// Refresh reloads key. The stale entry is dropped even when the reload fails.
func (c *LRU[V]) Refresh(ctx context.Context, key string) error {
	c.entries.Remove(key)
	value, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	c.entries.Add(key, value)
	return nil
}

// Invalidate drops key without reloading it.
func (c *LRU[V]) Invalidate(key string) {
	c.entries.Remove(key)
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	return c.entries.Len()
}
