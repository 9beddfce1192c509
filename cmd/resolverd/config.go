package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/illmade-knight/go-batchresolver/pkg/invalidation"
	"github.com/illmade-knight/go-batchresolver/pkg/microservice"
	"github.com/illmade-knight/go-batchresolver/pkg/resolver"
	"github.com/illmade-knight/go-batchresolver/pkg/sources"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Source kinds understood by the daemon.
const (
	SourceMemory        = "memory"
	SourceRedis         = "redis"
	SourceFirestore     = "firestore"
	SourceBigQuery      = "bigquery"
	SourceGCS           = "gcs"
	SourceRedisFallback = "redis+firestore"
)

// Config is the resolverd configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// ResolveTimeout bounds a single /resolve request.
	ResolveTimeout time.Duration             `yaml:"resolve_timeout"`
	Server         microservice.ServerConfig `yaml:"server"`
	Resolver       resolver.Config           `yaml:"resolver"`
	Source         SourceConfig              `yaml:"source"`
	Invalidation   InvalidationConfig        `yaml:"invalidation"`
}

// SourceConfig selects and configures the batch fetch backend.
type SourceConfig struct {
	Kind            string `yaml:"kind"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// LRUSize puts a bounded in-process tier of this many values in front of
	// a remote source. Zero disables it.
	LRUSize int `yaml:"lru_size"`

	// Memory seeds the in-memory source.
	Memory    map[string]Document     `yaml:"memory"`
	Redis     sources.RedisConfig     `yaml:"redis"`
	Firestore sources.FirestoreConfig `yaml:"firestore"`
	BigQuery  sources.BigQueryConfig  `yaml:"bigquery"`
	GCS       sources.GCSConfig       `yaml:"gcs"`
	Fallback  sources.FallbackConfig  `yaml:"fallback"`
}

// InvalidationConfig enables remote cache control over Pub/Sub. It is off
// unless a subscription is named.
type InvalidationConfig struct {
	invalidation.PubsubConsumerConfig `yaml:",inline"`

	NumWorkers int `yaml:"num_workers"`
	// TopicID is where `resolverd invalidate` publishes commands.
	TopicID string `yaml:"topic_id"`
}

// Enabled reports whether an invalidation subscription is configured.
func (c InvalidationConfig) Enabled() bool {
	return c.SubscriptionID != ""
}

// DefaultConfig returns a Config for a local in-memory resolver.
func DefaultConfig() Config {
	pubsubDefaults := invalidation.NewPubsubConsumerDefaults("")
	return Config{
		LogLevel:       "info",
		ResolveTimeout: 10 * time.Second,
		Server:         microservice.DefaultServerConfig(),
		Resolver:       resolver.DefaultConfig(),
		Source: SourceConfig{
			Kind: SourceMemory,
			Redis: sources.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "resolver:",
			},
			GCS:      sources.GCSConfig{Concurrency: 8},
			Fallback: sources.FallbackConfig{WriteBackTimeout: 10 * time.Second, LookupTimeout: 30 * time.Second},
		},
		Invalidation: InvalidationConfig{
			PubsubConsumerConfig: *pubsubDefaults,
			NumWorkers:           2,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. A missing or
// empty file yields the defaults; unknown fields are an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.Server.HTTPPort == "" {
		return errors.New("config: server.http_port cannot be empty")
	}
	if c.Resolver.DebounceTime < 0 {
		return fmt.Errorf("config: resolver.debounce_time must be non-negative, got %v", c.Resolver.DebounceTime)
	}
	if c.Resolver.CacheTTL < 0 {
		return fmt.Errorf("config: resolver.cache_ttl must be non-negative, got %v", c.Resolver.CacheTTL)
	}
	if c.Resolver.FetchTimeout < 0 {
		return fmt.Errorf("config: resolver.fetch_timeout must be non-negative, got %v", c.Resolver.FetchTimeout)
	}
	if c.Source.LRUSize < 0 {
		return fmt.Errorf("config: source.lru_size must be non-negative, got %d", c.Source.LRUSize)
	}
	if err := c.Source.validate(); err != nil {
		return err
	}
	if c.Invalidation.Enabled() && c.Invalidation.ProjectID == "" && c.Source.ProjectID == "" {
		return errors.New("config: invalidation.project_id or source.project_id is required when invalidation is enabled")
	}
	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Kind {
	case SourceMemory:
		return nil
	case SourceRedis:
		return s.validateRedis()
	case SourceFirestore:
		return s.validateFirestore()
	case SourceBigQuery:
		if s.BigQuery.DatasetID == "" || s.BigQuery.TableID == "" || s.BigQuery.KeyColumn == "" {
			return errors.New("config: source.bigquery needs dataset_id, table_id and key_column")
		}
		return s.requireProject()
	case SourceGCS:
		if s.GCS.BucketName == "" {
			return errors.New("config: source.gcs.bucket_name cannot be empty")
		}
		return nil
	case SourceRedisFallback:
		if err := s.validateRedis(); err != nil {
			return err
		}
		return s.validateFirestore()
	default:
		return fmt.Errorf("config: unknown source.kind %q", s.Kind)
	}
}

func (s *SourceConfig) validateRedis() error {
	if s.Redis.Addr == "" {
		return errors.New("config: source.redis.addr cannot be empty")
	}
	return nil
}

func (s *SourceConfig) validateFirestore() error {
	if s.Firestore.CollectionName == "" {
		return errors.New("config: source.firestore.collection_name cannot be empty")
	}
	return s.requireProject()
}

func (s *SourceConfig) requireProject() error {
	if s.ProjectID == "" {
		return fmt.Errorf("config: source.project_id is required for source.kind %q", s.Kind)
	}
	return nil
}
