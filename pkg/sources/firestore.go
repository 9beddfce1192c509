package sources

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection_name"`
}

// FirestoreSource reads documents of one collection, keyed by document ID.
type FirestoreSource[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a new generic FirestoreSource.
func NewFirestoreSource[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch retrieves every document in one GetAll call. Documents that do not
// exist are left out of the result.
func (s *FirestoreSource[K, V]) Fetch(ctx context.Context, keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	collection := s.client.Collection(s.collectionName)
	refs := make([]*firestore.DocumentRef, len(keys))
	for i, k := range keys {
		refs[i] = collection.Doc(fmt.Sprint(k))
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Err(err).Msg("Firestore reported the collection as missing; treating batch as not found.")
			return out, nil
		}
		s.logger.Error().Err(err).Int("batch_size", len(keys)).Msg("Failed to get documents from Firestore.")
		return nil, fmt.Errorf("firestore getall: %w", err)
	}

	for i, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var value V
		if err := snap.DataTo(&value); err != nil {
			s.logger.Error().Err(err).Str("key", refs[i].ID).Msg("Failed to map Firestore document data.")
			return nil, fmt.Errorf("firestore DataTo for %s: %w", refs[i].ID, err)
		}
		out[keys[i]] = value
	}

	s.logger.Debug().Int("batch_size", len(keys)).Int("found", len(out)).Msg("Fetched documents from Firestore.")
	return out, nil
}

// WriteBatch writes every value as a document using a BulkWriter.
func (s *FirestoreSource[K, V]) WriteBatch(ctx context.Context, values map[K]V) error {
	if len(values) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make(map[string]*firestore.BulkWriterJob, len(values))
	collection := s.client.Collection(s.collectionName)
	for k, v := range values {
		id := fmt.Sprint(k)
		job, err := bw.Set(collection.Doc(id), v)
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore bulk set for %s: %w", id, err)
		}
		jobs[id] = job
	}
	bw.End()

	for id, job := range jobs {
		if _, err := job.Results(); err != nil {
			s.logger.Error().Err(err).Str("key", id).Msg("Failed to write document to Firestore.")
			return fmt.Errorf("firestore set for %s: %w", id, err)
		}
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource[K, V]) Close() error {
	s.logger.Info().Msg("FirestoreSource does not close the injected Firestore client.")
	return nil
}
