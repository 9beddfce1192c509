package resolver_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/illmade-knight/go-batchresolver/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingEntry(key string) resolver.Entry[string, int] {
	return resolver.Entry[string, int]{Key: key, Status: resolver.StatusPending}
}

func TestStore_Transitions(t *testing.T) {
	s := resolver.NewStore[string, int]()
	require.Equal(t, uint64(0), s.Version())

	t.Run("MergeIfAbsent inserts new keys only", func(t *testing.T) {
		changed := s.MergeIfAbsent(map[string]resolver.Entry[string, int]{
			"a": pendingEntry("a"),
			"b": pendingEntry("b"),
		})
		require.True(t, changed)
		assert.Equal(t, uint64(1), s.Version())

		resolved := resolver.Entry[string, int]{Key: "a", Status: resolver.StatusResolved, Value: 7}
		require.True(t, s.MergeOverwrite(map[string]resolver.Entry[string, int]{"a": resolved}))

		changed = s.MergeIfAbsent(map[string]resolver.Entry[string, int]{"a": pendingEntry("a")})
		assert.False(t, changed, "existing entries must not be clobbered")

		got, ok := s.Get("a")
		require.True(t, ok)
		if diff := cmp.Diff(resolved, got, cmp.AllowUnexported(resolver.Entry[string, int]{}, resolver.RetryAction[string, int]{})); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Remove deletes named keys and ignores unknown ones", func(t *testing.T) {
		version := s.Version()
		assert.False(t, s.Remove([]string{"missing"}))
		assert.Equal(t, version, s.Version())

		assert.True(t, s.Remove([]string{"a"}))
		_, ok := s.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("RemoveAll empties the store once", func(t *testing.T) {
		assert.True(t, s.RemoveAll())
		assert.Zero(t, s.Len())
		assert.False(t, s.RemoveAll())
	})
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	s := resolver.NewStore[string, int]()
	s.MergeOverwrite(map[string]resolver.Entry[string, int]{"a": pendingEntry("a")})

	before, _ := s.Get("a")
	s.MergeOverwrite(map[string]resolver.Entry[string, int]{
		"a": {Key: "a", Status: resolver.StatusResolved, Value: 1},
	})

	assert.Equal(t, resolver.StatusPending, before.Status, "a previously read entry must not change")
}

func TestStore_Watch(t *testing.T) {
	s := resolver.NewStore[string, int]()
	changes, stop := s.Watch()

	s.MergeOverwrite(map[string]resolver.Entry[string, int]{"a": pendingEntry("a")})
	s.MergeOverwrite(map[string]resolver.Entry[string, int]{"b": pendingEntry("b")})

	select {
	case <-changes:
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-changes:
		t.Fatal("notifications should coalesce")
	default:
	}

	stop()
	s.RemoveAll()
	select {
	case <-changes:
		t.Fatal("stopped watch must not be notified")
	default:
	}
}
