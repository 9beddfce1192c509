package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// --- GCS Client Abstraction Interfaces ---

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
}

// --- Adapters to wrap the concrete Google Cloud Storage client ---

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return a.handle.NewReader(ctx)
}

// GCSConfig locates the JSON objects a GCSSource reads.
type GCSConfig struct {
	BucketName   string `yaml:"bucket_name"`
	ObjectPrefix string `yaml:"object_prefix"`
	// Concurrency bounds the number of parallel object reads per batch.
	Concurrency int `yaml:"concurrency"`
}

// GCSSource reads one JSON object per key, named <prefix>/<key>.json.
type GCSSource[V any] struct {
	bucket      GCSBucketHandle
	prefix      string
	concurrency int
	logger      zerolog.Logger
}

// NewGCSSource creates a GCSSource.
func NewGCSSource[V any](cfg *GCSConfig, client GCSClient, logger zerolog.Logger) (*GCSSource[V], error) {
	if client == nil {
		return nil, fmt.Errorf("gcs client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("gcs bucket name cannot be empty")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &GCSSource[V]{
		bucket:      client.Bucket(cfg.BucketName),
		prefix:      cfg.ObjectPrefix,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "GCSSource").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

func (s *GCSSource[V]) objectName(key string) string {
	return path.Join(s.prefix, key+".json")
}

// Fetch reads every object in parallel. Objects that do not exist are left
// out of the result; any other read error fails the batch.
func (s *GCSSource[V]) Fetch(ctx context.Context, keys []string) (map[string]V, error) {
	out := make(map[string]V, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			value, found, err := s.read(gctx, key)
			if err != nil || !found {
				return err
			}
			mu.Lock()
			out[key] = value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(keys)).Msg("GCS batch fetch failed.")
		return nil, err
	}

	s.logger.Debug().Int("batch_size", len(keys)).Int("found", len(out)).Msg("GCS batch fetch completed.")
	return out, nil
}

func (s *GCSSource[V]) read(ctx context.Context, key string) (V, bool, error) {
	var value V
	name := s.objectName(key)
	reader, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return value, false, nil
		}
		return value, false, fmt.Errorf("gcs open %s: %w", name, err)
	}
	defer func() { _ = reader.Close() }()

	if err := json.NewDecoder(reader).Decode(&value); err != nil {
		return value, false, fmt.Errorf("gcs decode %s: %w", name, err)
	}
	return value, true, nil
}

// Close is a no-op; the storage client is owned by the caller.
func (s *GCSSource[V]) Close() error {
	return nil
}
