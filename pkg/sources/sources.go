// Package sources provides batch fetch implementations that back a resolver:
// each Fetch takes a batch of identifiers and returns the subset it found.
// Identifiers missing from the returned map are "not found"; a returned error
// means the whole batch failed.
package sources

import (
	"context"
	"io"
)

// Fetcher is a batch source of truth.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, keys []K) (map[K]V, error)
	io.Closer
}

// Writer stores values in a source, for tiers that act as a cache in front
// of a slower source.
type Writer[K comparable, V any] interface {
	WriteBatch(ctx context.Context, values map[K]V) error
}

// WritableFetcher is a Fetcher that can also be written to.
type WritableFetcher[K comparable, V any] interface {
	Fetcher[K, V]
	Writer[K, V]
}
