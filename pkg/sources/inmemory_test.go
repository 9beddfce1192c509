package sources_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-batchresolver/pkg/sources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemorySource(t *testing.T) {
	ctx := context.Background()
	src := sources.NewInMemorySource(map[string]string{"user:123": "John Doe"})
	t.Cleanup(func() { _ = src.Close() })

	t.Run("Fetch returns only present keys", func(t *testing.T) {
		got, err := src.Fetch(ctx, []string{"user:123", "user:999"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"user:123": "John Doe"}, got)
	})

	t.Run("WriteBatch, Fetch, and Delete cycle", func(t *testing.T) {
		require.NoError(t, src.WriteBatch(ctx, map[string]string{"user:456": "Jane Smith"}))

		got, err := src.Fetch(ctx, []string{"user:456"})
		require.NoError(t, err)
		assert.Equal(t, "Jane Smith", got["user:456"])

		require.NoError(t, src.Delete(ctx, "user:456"))
		got, err = src.Fetch(ctx, []string{"user:456"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
