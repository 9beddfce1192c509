package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// FallbackConfig holds configuration for the two-tier fallback source.
type FallbackConfig struct {
	WriteBackTimeout time.Duration `yaml:"write_back_timeout"`

	// LookupTimeout bounds a lookup shared by concurrent identical batches.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// FallbackSource fetches a batch from a fast primary tier first and asks the
// secondary source only for the keys the primary did not have. Values found
// in the secondary are written back to the primary in the background.
type FallbackSource[K comparable, V any] struct {
	primary       WritableFetcher[K, V]
	secondary     Fetcher[K, V]
	writeTimeout  time.Duration
	lookupTimeout time.Duration
	logger        zerolog.Logger
	group         singleflight.Group
}

// NewFallbackSource creates a FallbackSource.
func NewFallbackSource[K comparable, V any](
	cfg *FallbackConfig,
	primary WritableFetcher[K, V],
	secondary Fetcher[K, V],
	logger zerolog.Logger,
) (*FallbackSource[K, V], error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("primary and secondary sources cannot be nil")
	}
	writeTimeout := cfg.WriteBackTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = 30 * time.Second
	}
	return &FallbackSource[K, V]{
		primary:       primary,
		secondary:     secondary,
		writeTimeout:  writeTimeout,
		lookupTimeout: lookupTimeout,
		logger:        logger.With().Str("component", "FallbackSource").Logger(),
	}, nil
}

// Fetch resolves keys through both tiers. A primary failure is treated as a
// miss on every key; a secondary failure fails the batch. Identical
// concurrent batches share one lookup, which runs detached from any single
// caller's cancellation and is bounded by the lookup timeout instead. Each
// caller still stops waiting when its own ctx is done.
func (s *FallbackSource[K, V]) Fetch(ctx context.Context, keys []K) (map[K]V, error) {
	ch := s.group.DoChan(batchKey(keys), func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lookupTimeout)
		defer cancel()
		return s.fetch(lookupCtx, keys)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug().Int("batch_size", len(keys)).Msg("Shared an in-flight batch lookup.")
		}
		return res.Val.(map[K]V), nil
	}
}

func (s *FallbackSource[K, V]) fetch(ctx context.Context, keys []K) (map[K]V, error) {
	// 1. Try the primary tier
	out, err := s.primary.Fetch(ctx, keys)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Primary fetch failed. Falling back to secondary for the whole batch.")
		out = nil
	}
	if out == nil {
		out = make(map[K]V, len(keys))
	}

	missing := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		s.logger.Debug().Int("batch_size", len(keys)).Msg("Primary hit for whole batch.")
		return out, nil
	}

	// 2. Fall back to the secondary for the misses
	found, err := s.secondary.Fetch(ctx, missing)
	if err != nil {
		s.logger.Error().Err(err).Int("missing", len(missing)).Msg("Error fetching from secondary source.")
		return nil, fmt.Errorf("error fetching from secondary source: %w", err)
	}
	for k, v := range found {
		out[k] = v
	}

	// 3. Write what the secondary found back to the primary in the background.
	if len(found) > 0 {
		go func(values map[K]V) {
			writeCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			defer cancel()
			if writeErr := s.primary.WriteBatch(writeCtx, values); writeErr != nil {
				s.logger.Error().Err(writeErr).Msg("Failed to write back to primary in background.")
			}
		}(found)
	}

	s.logger.Debug().
		Int("batch_size", len(keys)).
		Int("primary_hits", len(keys)-len(missing)).
		Int("secondary_hits", len(found)).
		Msg("Fallback batch fetch completed.")
	return out, nil
}

// Close closes both tiers.
func (s *FallbackSource[K, V]) Close() error {
	if err := s.primary.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing primary source.")
		return fmt.Errorf("error closing primary source: %w", err)
	}
	if err := s.secondary.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing secondary source.")
		return fmt.Errorf("error closing secondary source: %w", err)
	}
	return nil
}

func batchKey[K comparable](keys []K) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(k)
	}
	return strings.Join(parts, "\x00")
}
