package debounce_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-batchresolver/pkg/debounce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_Settle(t *testing.T) {
	t.Run("Initial value is settled before any update", func(t *testing.T) {
		d := debounce.New(50*time.Millisecond, "start")
		t.Cleanup(d.Stop)

		assert.Equal(t, "start", d.Value())
		select {
		case v := <-d.Settled():
			t.Fatalf("unexpected settlement %q without an update", v)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("Rapid updates settle once on the last value", func(t *testing.T) {
		d := debounce.New(50*time.Millisecond, 0)
		t.Cleanup(d.Stop)

		for i := 1; i <= 5; i++ {
			d.Update(i)
			time.Sleep(10 * time.Millisecond)
		}

		select {
		case v := <-d.Settled():
			assert.Equal(t, 5, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for settled value")
		}
		assert.Equal(t, 5, d.Value())

		select {
		case v := <-d.Settled():
			t.Fatalf("debounce emitted a second value %d", v)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("Value does not change before the quiet period elapses", func(t *testing.T) {
		d := debounce.New(200*time.Millisecond, "a")
		t.Cleanup(d.Stop)

		d.Update("b")
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, "a", d.Value())

		require.Eventually(t, func() bool {
			return d.Value() == "b"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Stop suppresses a pending settlement", func(t *testing.T) {
		d := debounce.New(30*time.Millisecond, 0)
		d.Update(1)
		d.Stop()

		select {
		case v := <-d.Settled():
			t.Fatalf("stopped debouncer emitted %d", v)
		case <-time.After(100 * time.Millisecond):
		}
		assert.Equal(t, 0, d.Value())
	})
}
