package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// RedisSource looks up JSON-encoded values with a single MGET per batch.
type RedisSource[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	ttl         time.Duration
}

// NewRedisSource creates and connects a new RedisSource.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisSource[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisSource[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisSource[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisSource").Logger(),
		prefix:      cfg.KeyPrefix,
		ttl:         cfg.CacheTTL,
	}, nil
}

func (s *RedisSource[K, V]) redisKey(key K) string {
	return s.prefix + fmt.Sprint(key)
}

// Fetch reads every key in one MGET. Missing keys and values that fail to
// decode are left out of the result.
func (s *RedisSource[K, V]) Fetch(ctx context.Context, keys []K) (map[K]V, error) {
	if len(keys) == 0 {
		return map[K]V{}, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.redisKey(k)
	}

	replies, err := s.redisClient.MGet(ctx, redisKeys...).Result()
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(keys)).Msg("Redis MGET failed.")
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(map[K]V, len(keys))
	for i, reply := range replies {
		raw, ok := reply.(string)
		if !ok {
			continue
		}
		var value V
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			s.logger.Error().Err(err).Str("key", redisKeys[i]).Msg("Failed to unmarshal cached data.")
			continue
		}
		out[keys[i]] = value
	}
	s.logger.Debug().Int("batch_size", len(keys)).Int("hits", len(out)).Msg("Redis batch fetch completed.")
	return out, nil
}

// WriteBatch stores every value with the configured TTL in one pipeline.
func (s *RedisSource[K, V]) WriteBatch(ctx context.Context, values map[K]V) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.redisClient.Pipeline()
	for k, v := range values {
		jsonData, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal data for key %v: %w", k, err)
		}
		pipe.Set(ctx, s.redisKey(k), jsonData, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(values)).Msg("Failed to write batch to Redis.")
		return fmt.Errorf("redis pipeline set: %w", err)
	}
	return nil
}

// Delete removes the given keys, or every key under the configured prefix
// when none are given.
func (s *RedisSource[K, V]) Delete(ctx context.Context, keys ...K) error {
	if len(keys) > 0 {
		redisKeys := make([]string, len(keys))
		for i, k := range keys {
			redisKeys[i] = s.redisKey(k)
		}
		if err := s.redisClient.Del(ctx, redisKeys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		s.logger.Debug().Int("key_count", len(keys)).Msg("Deleted cached keys.")
		return nil
	}

	if s.prefix == "" {
		return fmt.Errorf("refusing to delete every redis key without a key prefix")
	}
	var deleted int
	iter := s.redisClient.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.redisClient.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	s.logger.Info().Int("key_count", deleted).Str("prefix", s.prefix).Msg("Deleted every cached key under prefix.")
	return nil
}

// Close closes the Redis client connection.
func (s *RedisSource[K, V]) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
