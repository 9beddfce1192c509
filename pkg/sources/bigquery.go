package sources

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// BigQueryConfig identifies the table a BigQuerySource reads from.
type BigQueryConfig struct {
	ProjectID string `yaml:"project_id"`
	DatasetID string `yaml:"dataset_id"`
	TableID   string `yaml:"table_id"`
	KeyColumn string `yaml:"key_column"`
}

// RowIterator abstracts *bigquery.RowIterator.
type RowIterator interface {
	Next(dst interface{}) error
}

// Querier abstracts running a parameterised query, so the source can be
// tested without a BigQuery client.
type Querier interface {
	Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error)
}

// RowDecoder converts one result row into a value.
type RowDecoder[V any] func(row map[string]bigquery.Value) (V, error)

// MapRow is a RowDecoder that returns the row as a plain map.
func MapRow(row map[string]bigquery.Value) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

type bigQueryQuerier struct {
	client *bigquery.Client
}

// NewBigQueryQuerier adapts a *bigquery.Client to the Querier interface.
func NewBigQueryQuerier(client *bigquery.Client) Querier {
	return &bigQueryQuerier{client: client}
}

func (q *bigQueryQuerier) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error) {
	query := q.client.Query(sql)
	query.Parameters = params
	return query.Read(ctx)
}

// BigQuerySource resolves a batch with one query filtering the key column
// against the batch. Keys without a matching row are left out of the result.
type BigQuerySource[V any] struct {
	querier   Querier
	sql       string
	keyColumn string
	decode    RowDecoder[V]
	logger    zerolog.Logger
}

// NewBigQuerySource creates a BigQuerySource for the configured table.
func NewBigQuerySource[V any](
	cfg *BigQueryConfig,
	querier Querier,
	decode RowDecoder[V],
	logger zerolog.Logger,
) (*BigQuerySource[V], error) {
	if querier == nil || decode == nil {
		return nil, fmt.Errorf("querier and decoder cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" || cfg.KeyColumn == "" {
		return nil, fmt.Errorf("dataset, table and key column must be set")
	}
	table := fmt.Sprintf("`%s.%s`", cfg.DatasetID, cfg.TableID)
	if cfg.ProjectID != "" {
		table = fmt.Sprintf("`%s.%s.%s`", cfg.ProjectID, cfg.DatasetID, cfg.TableID)
	}
	return &BigQuerySource[V]{
		querier:   querier,
		sql:       fmt.Sprintf("SELECT * FROM %s WHERE `%s` IN UNNEST(@keys)", table, cfg.KeyColumn),
		keyColumn: cfg.KeyColumn,
		decode:    decode,
		logger:    logger.With().Str("component", "BigQuerySource").Str("table", table).Logger(),
	}, nil
}

// Fetch runs the lookup query for keys.
func (s *BigQuerySource[V]) Fetch(ctx context.Context, keys []string) (map[string]V, error) {
	out := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	it, err := s.querier.Query(ctx, s.sql, []bigquery.QueryParameter{{Name: "keys", Value: keys}})
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(keys)).Msg("BigQuery lookup query failed.")
		return nil, fmt.Errorf("bigquery query: %w", err)
	}

	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery read row: %w", err)
		}
		raw, ok := row[s.keyColumn]
		if !ok || raw == nil {
			s.logger.Warn().Str("key_column", s.keyColumn).Msg("Row without key column, skipping.")
			continue
		}
		value, err := s.decode(row)
		if err != nil {
			return nil, fmt.Errorf("decode row %v: %w", raw, err)
		}
		out[fmt.Sprint(raw)] = value
	}

	s.logger.Debug().Int("batch_size", len(keys)).Int("found", len(out)).Msg("BigQuery batch fetch completed.")
	return out, nil
}

// Close is a no-op; the BigQuery client is owned by the caller.
func (s *BigQuerySource[V]) Close() error {
	return nil
}
