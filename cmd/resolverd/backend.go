package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-batchresolver/pkg/invalidation"
	"github.com/illmade-knight/go-batchresolver/pkg/resolver"
	"github.com/illmade-knight/go-batchresolver/pkg/sources"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Document is the value type served by resolverd: a decoded JSON object,
// Firestore document or BigQuery row.
type Document = map[string]any

// invalidateTimeout bounds dropping identifiers from the remote cache tier.
const invalidateTimeout = 10 * time.Second

// tierInvalidator drops ids from one cache tier, or everything when none are given.
type tierInvalidator func(ctx context.Context, ids ...string) error

// backend is the configured fetch source plus every client it owns.
type backend struct {
	sources.Fetcher[string, Document]
	// tiers are the cache tiers in front of the origin, nearest first.
	tiers   []tierInvalidator
	closers []func() error
}

// invalidate drops ids from every cache tier, or everything when none are
// given, so that a refresh reaches the origin source.
func (b *backend) invalidate(ctx context.Context, ids ...string) error {
	var errs []error
	for _, tier := range b.tiers {
		errs = append(errs, tier(ctx, ids...))
	}
	return errors.Join(errs...)
}

func lruTier(src *sources.LRUSource[string, Document]) tierInvalidator {
	return func(_ context.Context, ids ...string) error {
		src.Invalidate(ids...)
		return nil
	}
}

// Close closes the source and then its clients.
func (b *backend) Close() error {
	errs := []error{b.Fetcher.Close()}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func clientOptions(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
}

// newBackend builds the source named by cfg.Kind. The caller owns the result
// and must Close it.
func newBackend(ctx context.Context, cfg SourceConfig, logger zerolog.Logger) (*backend, error) {
	opts := clientOptions(cfg.CredentialsFile)
	b := &backend{}

	fail := func(err error) (*backend, error) {
		for i := len(b.closers) - 1; i >= 0; i-- {
			_ = b.closers[i]()
		}
		return nil, err
	}

	newFirestore := func() (*sources.FirestoreSource[string, Document], error) {
		client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		fsCfg := cfg.Firestore
		if fsCfg.ProjectID == "" {
			fsCfg.ProjectID = cfg.ProjectID
		}
		return sources.NewFirestoreSource[string, Document](&fsCfg, client, logger)
	}

	switch cfg.Kind {
	case SourceMemory:
		b.Fetcher = sources.NewInMemorySource(cfg.Memory)

	case SourceRedis:
		src, err := sources.NewRedisSource[string, Document](ctx, &cfg.Redis, logger)
		if err != nil {
			return fail(err)
		}
		b.Fetcher = src

	case SourceFirestore:
		src, err := newFirestore()
		if err != nil {
			return fail(err)
		}
		b.Fetcher = src

	case SourceBigQuery:
		client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return fail(fmt.Errorf("failed to create bigquery client: %w", err))
		}
		b.closers = append(b.closers, client.Close)
		bqCfg := cfg.BigQuery
		if bqCfg.ProjectID == "" {
			bqCfg.ProjectID = cfg.ProjectID
		}
		src, err := sources.NewBigQuerySource[Document](&bqCfg, sources.NewBigQueryQuerier(client), sources.MapRow, logger)
		if err != nil {
			return fail(err)
		}
		b.Fetcher = src

	case SourceGCS:
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return fail(fmt.Errorf("failed to create storage client: %w", err))
		}
		b.closers = append(b.closers, client.Close)
		src, err := sources.NewGCSSource[Document](&cfg.GCS, sources.NewGCSClientAdapter(client), logger)
		if err != nil {
			return fail(err)
		}
		b.Fetcher = src

	case SourceRedisFallback:
		secondary, err := newFirestore()
		if err != nil {
			return fail(err)
		}
		primary, err := sources.NewRedisSource[string, Document](ctx, &cfg.Redis, logger)
		if err != nil {
			return fail(err)
		}
		src, err := sources.NewFallbackSource[string, Document](&cfg.Fallback, primary, secondary, logger)
		if err != nil {
			_ = primary.Close()
			_ = secondary.Close()
			return fail(err)
		}
		b.Fetcher = src
		b.tiers = append(b.tiers, primary.Delete)

	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}

	if cfg.LRUSize > 0 && cfg.Kind != SourceMemory {
		lru, err := sources.NewLRUSource[string, Document](cfg.LRUSize)
		if err != nil {
			_ = b.Fetcher.Close()
			return fail(err)
		}
		tiered, err := sources.NewFallbackSource[string, Document](&cfg.Fallback, lru, b.Fetcher, logger)
		if err != nil {
			_ = lru.Close()
			_ = b.Fetcher.Close()
			return fail(err)
		}
		b.Fetcher = tiered
		b.tiers = append([]tierInvalidator{lruTier(lru)}, b.tiers...)
	}

	logger.Info().Str("source_kind", cfg.Kind).Int("lru_size", cfg.LRUSize).Msg("Batch fetch source ready.")
	return b, nil
}

// cacheControl clears the backend's cache tiers before the resolver, so that
// refreshed identifiers are fetched from the origin source. The resolver is
// cleared even when a tier fails; the tier error is still returned so that
// an invalidation message is redelivered.
type cacheControl struct {
	*resolver.Resolver[string, Document]
	backend *backend
	logger  zerolog.Logger
}

func (c *cacheControl) ClearCache(ids ...string) error {
	tierErr := c.invalidateTiers(ids)
	return errors.Join(tierErr, c.Resolver.ClearCache(ids...))
}

func (c *cacheControl) RefreshCache(ids ...string) error {
	tierErr := c.invalidateTiers(ids)
	return errors.Join(tierErr, c.Resolver.RefreshCache(ids...))
}

func (c *cacheControl) invalidateTiers(ids []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := c.backend.invalidate(ctx, ids...); err != nil {
		c.logger.Error().Err(err).Int("key_count", len(ids)).Msg("Failed to invalidate cache tiers.")
		return fmt.Errorf("invalidate cache tiers: %w", err)
	}
	return nil
}

// newInvalidationListener connects to Pub/Sub and builds a listener that
// drives ctrl. The returned close function releases the Pub/Sub client.
func newInvalidationListener(
	ctx context.Context,
	cfg InvalidationConfig,
	defaultProjectID string,
	ctrl invalidation.CacheController,
	logger zerolog.Logger,
) (*invalidation.Listener, func() error, error) {
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = defaultProjectID
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOptions(cfg.CredentialsFile)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	consumer, err := invalidation.NewPubsubConsumer(ctx, &cfg.PubsubConsumerConfig, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	listener, err := invalidation.NewListener(invalidation.ListenerConfig{NumWorkers: cfg.NumWorkers}, consumer, ctrl, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return listener, client.Close, nil
}
