// Package debounce provides a generic settle-after-quiet-period primitive.
package debounce

import (
	"sync"
	"time"
)

// Debouncer holds the most recently observed value and publishes it on Settled
// once no further Update has arrived for the configured quiet period. Every
// Update cancels the pending timer and starts a new one.
type Debouncer[T any] struct {
	quiet time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	latest  T
	settled T
	stopped bool
	out     chan T
}

// New creates a Debouncer whose settled value starts as initial.
func New[T any](quiet time.Duration, initial T) *Debouncer[T] {
	return &Debouncer[T]{
		quiet:   quiet,
		latest:  initial,
		settled: initial,
		out:     make(chan T, 1),
	}
}

// Update records a new current value and restarts the quiet period.
func (d *Debouncer[T]) Update(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest = v
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.fire(gen) })
}

// fire publishes the latest value if no Update superseded the timer that
// scheduled it. An unread settled value is replaced rather than queued.
func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || gen != d.gen {
		return
	}
	d.settled = d.latest
	select {
	case <-d.out:
	default:
	}
	d.out <- d.settled
}

// Settled delivers each value that survived a full quiet period.
func (d *Debouncer[T]) Settled() <-chan T {
	return d.out
}

// Value returns the last settled value.
func (d *Debouncer[T]) Value() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Stop cancels any pending timer. Updates after Stop are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
