package resolver

import "sync"

// SubscriptionOption configures a Subscription.
type SubscriptionOption func(*subscriptionOptions)

type subscriptionOptions struct {
	nullOnError bool
}

// WithNullOnError makes Read report a failed identifier as resolved with the
// zero value of V, for consumers that degrade gracefully instead of showing
// an error.
func WithNullOnError() SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.nullOnError = true
	}
}

// View is what a consumer renders for its identifier.
type View[K comparable, V any] struct {
	Status Status
	Value  V
	Err    error
	Retry  RetryAction[K, V]
}

// Subscription is one consumer's handle on a single identifier. Many
// subscriptions may share an identifier; they all observe the same entry.
type Subscription[K comparable, V any] struct {
	r    *Resolver[K, V]
	key  K
	opts subscriptionOptions

	mu      sync.Mutex
	visible bool
	changes <-chan struct{}
	stop    func()
}

// Subscribe creates a Subscription for key. Interest is not registered until
// the subscription first becomes visible.
func (r *Resolver[K, V]) Subscribe(key K, opts ...SubscriptionOption) *Subscription[K, V] {
	s := &Subscription[K, V]{r: r, key: key}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.changes, s.stop = r.Changes()
	return s
}

// Key returns the subscribed identifier.
func (s *Subscription[K, V]) Key() K {
	return s.key
}

// SetVisible reports the consumer's visibility. A transition from hidden to
// visible registers interest; other transitions do nothing.
func (s *Subscription[K, V]) SetVisible(visible bool) error {
	s.mu.Lock()
	becameVisible := visible && !s.visible
	s.visible = visible
	s.mu.Unlock()

	if !becameVisible {
		return nil
	}
	return s.r.Register(s.key)
}

// Register records interest regardless of visibility.
func (s *Subscription[K, V]) Register() error {
	return s.r.Register(s.key)
}

// Read returns the current view, or false if the identifier has no entry.
func (s *Subscription[K, V]) Read() (View[K, V], bool) {
	e, ok := s.r.Get(s.key)
	if !ok {
		return View[K, V]{}, false
	}
	v := View[K, V]{Status: e.Status, Value: e.Value, Err: e.Err, Retry: e.Retry}
	if v.Status == StatusFailed && s.opts.nullOnError {
		v.Status = StatusResolved
		v.Err = nil
	}
	return v, true
}

// Retry re-fetches the identifier on its own.
func (s *Subscription[K, V]) Retry() error {
	return s.r.Retry(s.key)
}

// Changes is signalled whenever any entry in the resolver changes; consumers
// re-read their view on each signal.
func (s *Subscription[K, V]) Changes() <-chan struct{} {
	return s.changes
}

// Close stops change notifications for this subscription.
func (s *Subscription[K, V]) Close() {
	s.stop()
}
