package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolverd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
resolver:
  debounce_time: 50ms
  cache_ttl: 5m
  strict_usage: true
server:
  http_port: ":9090"
source:
  kind: redis+firestore
  project_id: demo
  redis:
    addr: redis:6379
  firestore:
    collection_name: devices
invalidation:
  subscription_id: resolver-invalidation
  num_workers: 4
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50*time.Millisecond, cfg.Resolver.DebounceTime)
	assert.Equal(t, 5*time.Minute, cfg.Resolver.CacheTTL)
	assert.True(t, cfg.Resolver.StrictUsage)
	assert.Equal(t, ":9090", cfg.Server.HTTPPort)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout, "unset nested fields keep their defaults")
	assert.Equal(t, SourceRedisFallback, cfg.Source.Kind)
	assert.Equal(t, "redis:6379", cfg.Source.Redis.Addr)
	assert.Equal(t, "resolver:", cfg.Source.Redis.KeyPrefix)
	assert.True(t, cfg.Invalidation.Enabled())
	assert.Equal(t, 4, cfg.Invalidation.NumWorkers)
	assert.Equal(t, 100, cfg.Invalidation.MaxOutstandingMessages)
}

func TestLoadConfig_MemorySeed(t *testing.T) {
	path := writeConfig(t, `
source:
  kind: memory
  memory:
    dev-1:
      name: Sensor A
      floor: 2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Source.Memory, "dev-1")
	assert.Equal(t, "Sensor A", cfg.Source.Memory["dev-1"]["name"])
	assert.Equal(t, 2, cfg.Source.Memory["dev-1"]["floor"])
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "resolver:\n  debounce: 10ms\n")
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "parsing")
}

func TestLoadConfig_CommentOnlyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "# nothing configured\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "negative ttl", mutate: func(c *Config) { c.Resolver.CacheTTL = -time.Second }, wantErr: "cache_ttl"},
		{name: "negative lru size", mutate: func(c *Config) { c.Source.LRUSize = -1 }, wantErr: "lru_size"},
		{name: "negative debounce", mutate: func(c *Config) { c.Resolver.DebounceTime = -time.Millisecond }, wantErr: "debounce_time"},
		{name: "unknown source", mutate: func(c *Config) { c.Source.Kind = "postgres" }, wantErr: "unknown source.kind"},
		{name: "firestore without collection", mutate: func(c *Config) {
			c.Source.Kind = SourceFirestore
			c.Source.ProjectID = "demo"
		}, wantErr: "collection_name"},
		{name: "bigquery without project", mutate: func(c *Config) {
			c.Source.Kind = SourceBigQuery
			c.Source.BigQuery.DatasetID = "ds"
			c.Source.BigQuery.TableID = "t"
			c.Source.BigQuery.KeyColumn = "id"
		}, wantErr: "project_id"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Source.Kind = SourceGCS }, wantErr: "bucket_name"},
		{name: "invalidation without project", mutate: func(c *Config) {
			c.Invalidation.SubscriptionID = "sub"
		}, wantErr: "invalidation.project_id"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}

func TestCLI_FlagOverrides(t *testing.T) {
	cli := CLI{
		Config:   writeConfig(t, "log_level: warn\n"),
		LogLevel: "debug",
	}
	cfg, err := cli.loadConfig(":7070")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = cli.loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.HTTPPort, cfg.Server.HTTPPort)
}

func TestCLI_InvalidConfigFails(t *testing.T) {
	cli := CLI{Config: writeConfig(t, "source:\n  kind: gcs\n")}
	_, err := cli.loadConfig("")
	assert.ErrorContains(t, err, "bucket_name")
}
