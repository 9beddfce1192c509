package invalidation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-batchresolver/pkg/invalidation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConsumer feeds messages pushed by the test to the listener.
type mockConsumer struct {
	msgs     chan invalidation.Message
	done     chan struct{}
	stopOnce sync.Once
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{
		msgs: make(chan invalidation.Message, 10),
		done: make(chan struct{}),
	}
}

func (m *mockConsumer) Messages() <-chan invalidation.Message { return m.msgs }
func (m *mockConsumer) Start(context.Context) error { return nil }
func (m *mockConsumer) Done() <-chan struct{} { return m.done }
func (m *mockConsumer) Stop(context.Context) error {
	m.stopOnce.Do(func() {
		close(m.msgs)
		close(m.done)
	})
	return nil
}

type controllerCall struct {
	op  invalidation.Op
	ids []string
}

type mockController struct {
	mu    sync.Mutex
	calls []controllerCall
	err   error
}

func (m *mockController) record(op invalidation.Op, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, controllerCall{op: op, ids: ids})
	return m.err
}

func (m *mockController) ClearCache(ids ...string) error {
	return m.record(invalidation.OpClear, ids)
}

func (m *mockController) RefreshCache(ids ...string) error {
	return m.record(invalidation.OpRefresh, ids)
}

func (m *mockController) Calls() []controllerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]controllerCall(nil), m.calls...)
}

type ackRecorder struct {
	acked  atomic.Bool
	nacked atomic.Bool
}

func (a *ackRecorder) message(payload string) invalidation.Message {
	return invalidation.Message{
		ID:      "msg-" + payload,
		Payload: []byte(payload),
		Ack:     func() { a.acked.Store(true) },
		Nack:    func() { a.nacked.Store(true) },
	}
}

func startListener(t *testing.T, ctrl invalidation.CacheController) *mockConsumer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	consumer := newMockConsumer()
	listener, err := invalidation.NewListener(invalidation.ListenerConfig{NumWorkers: 2}, consumer, ctrl, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = listener.Stop(stopCtx)
	})
	return consumer
}

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    invalidation.Command
		wantErr bool
	}{
		{name: "clear with ids", payload: `{"op":"clear","ids":["a","b"]}`, want: invalidation.Command{Op: invalidation.OpClear, IDs: []string{"a", "b"}}},
		{name: "refresh all", payload: `{"op":"refresh"}`, want: invalidation.Command{Op: invalidation.OpRefresh}},
		{name: "unknown op", payload: `{"op":"drop"}`, wantErr: true},
		{name: "empty id", payload: `{"op":"clear","ids":[""]}`, wantErr: true},
		{name: "not json", payload: `clear everything`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := invalidation.ParseCommand([]byte(tc.payload))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewListener_Validation(t *testing.T) {
	_, err := invalidation.NewListener(invalidation.ListenerConfig{}, nil, &mockController{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = invalidation.NewListener(invalidation.ListenerConfig{}, newMockConsumer(), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestListener_AppliesCommands(t *testing.T) {
	ctrl := &mockController{}
	consumer := startListener(t, ctrl)

	clearAck := &ackRecorder{}
	refreshAck := &ackRecorder{}
	consumer.msgs <- clearAck.message(`{"op":"clear","ids":["dev-1"]}`)
	consumer.msgs <- refreshAck.message(`{"op":"refresh"}`)

	require.Eventually(t, func() bool {
		return clearAck.acked.Load() && refreshAck.acked.Load()
	}, time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []controllerCall{
		{op: invalidation.OpClear, ids: []string{"dev-1"}},
		{op: invalidation.OpRefresh, ids: nil},
	}, ctrl.Calls())
	assert.False(t, clearAck.nacked.Load())
	assert.False(t, refreshAck.nacked.Load())
}

func TestListener_MalformedMessageIsAcked(t *testing.T) {
	ctrl := &mockController{}
	consumer := startListener(t, ctrl)

	rec := &ackRecorder{}
	consumer.msgs <- rec.message(`{"op":`)

	require.Eventually(t, rec.acked.Load, time.Second, 10*time.Millisecond)
	assert.False(t, rec.nacked.Load())
	assert.Empty(t, ctrl.Calls())
}

func TestListener_ControllerErrorIsNacked(t *testing.T) {
	ctrl := &mockController{err: errors.New("resolver closed")}
	consumer := startListener(t, ctrl)

	rec := &ackRecorder{}
	consumer.msgs <- rec.message(`{"op":"clear"}`)

	require.Eventually(t, rec.nacked.Load, time.Second, 10*time.Millisecond)
	assert.False(t, rec.acked.Load())
}
