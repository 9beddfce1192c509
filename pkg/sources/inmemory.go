package sources

import (
	"context"
	"sync"
)

// InMemorySource is a thread-safe, map-backed source. It is primarily
// intended for local development and testing.
type InMemorySource[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewInMemorySource creates a source seeded with a copy of data.
func NewInMemorySource[K comparable, V any](data map[K]V) *InMemorySource[K, V] {
	s := &InMemorySource[K, V]{data: make(map[K]V, len(data))}
	for k, v := range data {
		s.data[k] = v
	}
	return s
}

// Fetch returns the requested keys that are present.
func (s *InMemorySource[K, V]) Fetch(_ context.Context, keys []K) (map[K]V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// WriteBatch stores every value.
func (s *InMemorySource[K, V]) WriteBatch(_ context.Context, values map[K]V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.data[k] = v
	}
	return nil
}

// Delete removes a key.
func (s *InMemorySource[K, V]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close is a no-op for the in-memory implementation.
func (s *InMemorySource[K, V]) Close() error {
	return nil
}
