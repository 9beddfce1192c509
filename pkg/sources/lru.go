package sources

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUSource is a size-bounded in-process tier. It is meant to sit in front
// of a remote source as the primary of a FallbackSource, where write-back
// fills it and the least recently used values are evicted once it is full.
type LRUSource[K comparable, V any] struct {
	cache *lru.Cache[K, V]
}

// NewLRUSource creates an LRUSource holding at most maxSize values.
func NewLRUSource[K comparable, V any](maxSize int) (*LRUSource[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	c, err := lru.New[K, V](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRUSource[K, V]{cache: c}, nil
}

// Fetch returns the cached subset of keys and marks each hit as recently used.
func (s *LRUSource[K, V]) Fetch(_ context.Context, keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := s.cache.Get(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// WriteBatch adds values, evicting the oldest entries beyond capacity.
func (s *LRUSource[K, V]) WriteBatch(_ context.Context, values map[K]V) error {
	for k, v := range values {
		s.cache.Add(k, v)
	}
	return nil
}

// Invalidate drops the given keys, or every key when none are given.
func (s *LRUSource[K, V]) Invalidate(keys ...K) {
	if len(keys) == 0 {
		s.cache.Purge()
		return
	}
	for _, k := range keys {
		s.cache.Remove(k)
	}
}

// Len reports the number of cached values.
func (s *LRUSource[K, V]) Len() int {
	return s.cache.Len()
}

// Close purges the cache.
func (s *LRUSource[K, V]) Close() error {
	s.cache.Purge()
	return nil
}
