package resolver

import "context"

// Load registers interest in key and blocks until it is resolved or failed.
// It shares batches and cached state with every other consumer, so a key that
// is already resolved returns immediately without a fetch.
func (r *Resolver[K, V]) Load(ctx context.Context, key K) (V, error) {
	var zero V
	var zeroKey K
	if key == zeroKey {
		return zero, ErrEmptyKey
	}

	changes, stop := r.store.Watch()
	defer stop()

	for {
		e, ok := r.store.Get(key)
		if !ok {
			if err := r.exec(func() { r.register(key) }); err != nil {
				return zero, err
			}
			continue
		}

		switch e.Status {
		case StatusResolved:
			return e.Value, nil
		case StatusFailed:
			return zero, e.Err
		}

		select {
		case <-changes:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.ctx.Done():
			return zero, ErrClosed
		}
	}
}

// LoadMany loads each key concurrently and returns the values found together
// with a per-key error map for the ones that failed.
func (r *Resolver[K, V]) LoadMany(ctx context.Context, keys []K) (map[K]V, map[K]error) {
	type outcome struct {
		key   K
		value V
		err   error
	}
	out := make(chan outcome, len(keys))
	for _, k := range keys {
		go func(k K) {
			v, err := r.Load(ctx, k)
			out <- outcome{key: k, value: v, err: err}
		}(k)
	}

	values := make(map[K]V, len(keys))
	errs := make(map[K]error)
	for range keys {
		o := <-out
		if o.err != nil {
			errs[o.key] = o.err
			continue
		}
		values[o.key] = o.value
	}
	return values, errs
}
