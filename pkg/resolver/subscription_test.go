package resolver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-batchresolver/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_Visibility(t *testing.T) {
	f := newRecordingFetcher(testUsers)
	r := newTestResolver(t, resolver.Config{}, f)

	sub := r.Subscribe("1")
	t.Cleanup(sub.Close)

	_, ok := sub.Read()
	assert.False(t, ok, "hidden subscriptions must not register")

	require.NoError(t, sub.SetVisible(false))
	time.Sleep(3 * testDebounce)
	assert.Zero(t, f.CallCount())

	require.NoError(t, sub.SetVisible(true))
	v, ok := sub.Read()
	require.True(t, ok)
	assert.Equal(t, resolver.StatusPending, v.Status)

	select {
	case <-sub.Changes():
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	waitForStatus(t, r, "1", resolver.StatusResolved)
	require.NoError(t, r.ClearCache("1"))

	// Staying visible is not a new edge, so nothing is re-registered.
	require.NoError(t, sub.SetVisible(true))
	_, ok = sub.Read()
	assert.False(t, ok)

	require.NoError(t, sub.SetVisible(false))
	require.NoError(t, sub.SetVisible(true))
	waitForStatus(t, r, "1", resolver.StatusResolved)
	assert.Equal(t, 2, f.CallCount())
}

func TestSubscription_NullOnError(t *testing.T) {
	f := newRecordingFetcher(testUsers)
	r := newTestResolver(t, resolver.Config{}, f)

	strict := r.Subscribe("missing")
	t.Cleanup(strict.Close)
	lenient := r.Subscribe("missing", resolver.WithNullOnError())
	t.Cleanup(lenient.Close)

	require.NoError(t, strict.SetVisible(true))
	require.NoError(t, lenient.SetVisible(true))
	waitForStatus(t, r, "missing", resolver.StatusFailed)

	v, ok := strict.Read()
	require.True(t, ok)
	assert.Equal(t, resolver.StatusFailed, v.Status)
	assert.ErrorIs(t, v.Err, resolver.ErrNotFound)

	v, ok = lenient.Read()
	require.True(t, ok)
	assert.Equal(t, resolver.StatusResolved, v.Status)
	assert.NoError(t, v.Err)
	assert.Equal(t, user{}, v.Value)
}

func TestResolver_Load(t *testing.T) {
	t.Run("Concurrent loads share a batch", func(t *testing.T) {
		f := newRecordingFetcher(testUsers)
		r := newTestResolver(t, resolver.Config{}, f)

		values, errs := r.LoadMany(context.Background(), []string{"1", "2", "missing"})
		assert.Equal(t, map[string]user{"1": testUsers["1"], "2": testUsers["2"]}, values)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs["missing"], resolver.ErrNotFound)
		assert.Equal(t, 1, f.CallCount())
	})

	t.Run("Resolved keys return without a fetch", func(t *testing.T) {
		f := newRecordingFetcher(testUsers)
		r := newTestResolver(t, resolver.Config{}, f)

		_, err := r.Load(context.Background(), "1")
		require.NoError(t, err)
		got, err := r.Load(context.Background(), "1")
		require.NoError(t, err)
		assert.Equal(t, testUsers["1"], got)
		assert.Equal(t, 1, f.CallCount())
	})

	t.Run("Context deadline stops the wait", func(t *testing.T) {
		f := newRecordingFetcher(testUsers)
		f.gate = make(chan struct{})
		t.Cleanup(func() { close(f.gate) })
		r := newTestResolver(t, resolver.Config{}, f)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		t.Cleanup(cancel)
		_, err := r.Load(ctx, "1")
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("Empty key is rejected", func(t *testing.T) {
		r := newTestResolver(t, resolver.Config{}, newRecordingFetcher(testUsers))
		_, err := r.Load(context.Background(), "")
		assert.ErrorIs(t, err, resolver.ErrEmptyKey)
	})
}
