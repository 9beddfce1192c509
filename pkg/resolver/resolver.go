// Package resolver coalesces identifier lookups from many independent
// consumers into debounced batch fetches and caches each identifier's
// resolution state.
package resolver

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-batchresolver/pkg/debounce"
	"github.com/rs/zerolog"
)

// BatchFetcher resolves a batch of identifiers. Identifiers missing from the
// returned map are treated as not found; a returned error fails the whole batch.
type BatchFetcher[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

type command struct {
	fn   func()
	done chan struct{}
}

type batchResult[K comparable, V any] struct {
	generation uint64
	keys       []K
	values     map[K]V
	err        error
}

// Resolver owns a Store and is its only writer. Registrations, cache control,
// fetch completions and expiry sweeps are all applied one at a time on a single
// event loop goroutine; fetches run concurrently outside it.
type Resolver[K comparable, V any] struct {
	id     string
	cfg    Config
	fetch  BatchFetcher[K, V]
	logger zerolog.Logger
	store  *Store[K, V]

	needs         *debounce.Debouncer[[]K]
	lastNeeds     []K
	lastObserved  uint64
	seq           uint64
	generation    atomic.Uint64
	commands      chan command
	results       chan batchResult[K, V]
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	closeOnce     sync.Once
	inFlight      atomic.Int64
	issuedBatches atomic.Int64
}

// New creates a Resolver and starts its event loop, plus the expiration
// sweeper when cfg.CacheTTL is positive.
func New[K comparable, V any](cfg Config, fetch BatchFetcher[K, V], logger zerolog.Logger) (*Resolver[K, V], error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch function cannot be nil")
	}
	if cfg.DebounceTime <= 0 {
		cfg.DebounceTime = DefaultDebounceTime
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("cache TTL must not be negative, got %v", cfg.CacheTTL)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver[K, V]{
		id:       id,
		cfg:      cfg,
		fetch:    fetch,
		logger:   logger.With().Str("component", "Resolver").Str("resolver_id", id).Logger(),
		store:    NewStore[K, V](),
		needs:    debounce.New[[]K](cfg.DebounceTime, nil),
		commands: make(chan command),
		results:  make(chan batchResult[K, V]),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.run()

	if cfg.CacheTTL > 0 {
		r.wg.Add(1)
		go r.sweep(cfg.sweepInterval())
	}

	r.logger.Info().
		Dur("debounce_time", cfg.DebounceTime).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("Resolver started.")
	return r, nil
}

// ID returns the instance identifier used in log output.
func (r *Resolver[K, V]) ID() string {
	return r.id
}

// Close stops the event loop and the sweeper. Fetches already in flight are
// not cancelled; their results are discarded when they complete.
func (r *Resolver[K, V]) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info().Msg("Closing resolver...")
		r.generation.Add(1)
		r.cancel()
		r.needs.Stop()
		r.wg.Wait()
		r.logger.Info().Int64("in_flight", r.inFlight.Load()).Msg("Resolver closed.")
	})
	return nil
}

// Register records interest in key. If the key already has an entry nothing
// changes; otherwise it becomes pending and joins the next batch.
func (r *Resolver[K, V]) Register(key K) error {
	if err := r.checkKey(key); err != nil {
		return r.violation(err, key)
	}
	if err := r.exec(func() { r.register(key) }); err != nil {
		return r.violation(err, key)
	}
	return nil
}

// Get returns the current entry for key without side effects.
func (r *Resolver[K, V]) Get(key K) (Entry[K, V], bool) {
	return r.store.Get(key)
}

// Keys returns every cached identifier in registration order.
func (r *Resolver[K, V]) Keys() []K {
	return r.store.Keys()
}

// Version returns a token that changes whenever any entry changes.
func (r *Resolver[K, V]) Version() uint64 {
	return r.store.Version()
}

// Changes returns a channel signalled after each store change and a func
// that stops the notifications.
func (r *Resolver[K, V]) Changes() (<-chan struct{}, func()) {
	return r.store.Watch()
}

// Retry fetches key immediately as a batch of one.
func (r *Resolver[K, V]) Retry(key K) error {
	if err := r.checkKey(key); err != nil {
		return r.violation(err, key)
	}
	if err := r.exec(func() { r.issue([]K{key}) }); err != nil {
		return r.violation(err, key)
	}
	return nil
}

// ClearCache removes the given identifiers, or every entry when none are given.
// Removed identifiers are fetched again only when a consumer re-registers them.
func (r *Resolver[K, V]) ClearCache(keys ...K) error {
	if err := r.exec(func() { r.clear(keys) }); err != nil {
		return r.violation(err, keys)
	}
	return nil
}

// RefreshCache clears the given identifiers, or every currently cached
// identifier when none are given, so that the next registration fetches anew.
func (r *Resolver[K, V]) RefreshCache(keys ...K) error {
	err := r.exec(func() {
		targets := keys
		if len(targets) == 0 {
			targets = r.store.Keys()
		}
		r.clear(targets)
	})
	if err != nil {
		return r.violation(err, keys)
	}
	return nil
}

// Stats reports the number of batches issued and currently in flight.
func (r *Resolver[K, V]) Stats() (issued, inFlight int64) {
	return r.issuedBatches.Load(), r.inFlight.Load()
}

// exec runs fn on the event loop and waits for it to finish.
func (r *Resolver[K, V]) exec(fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case r.commands <- cmd:
	case <-r.ctx.Done():
		return ErrClosed
	}
	<-cmd.done
	return nil
}

func (r *Resolver[K, V]) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.commands:
			cmd.fn()
			close(cmd.done)
		case keys := <-r.needs.Settled():
			r.issueSettled(keys)
		case res := <-r.results:
			r.apply(res)
		}
		r.observe()
	}
}

// observe recomputes the set of identifiers awaiting their first batch and
// feeds it to the debouncer whenever it differs from the last set fed.
func (r *Resolver[K, V]) observe() {
	version := r.store.Version()
	if version == r.lastObserved {
		return
	}
	r.lastObserved = version

	needs := r.store.keysWhere(func(e Entry[K, V]) bool {
		return e.Status == StatusPending && e.initial
	})
	if slices.Equal(needs, r.lastNeeds) {
		return
	}
	r.lastNeeds = needs
	r.needs.Update(needs)
}

func (r *Resolver[K, V]) register(key K) {
	if _, ok := r.store.Get(key); ok {
		return
	}
	r.seq++
	r.store.MergeIfAbsent(map[K]Entry[K, V]{
		key: {
			Key:     key,
			Status:  StatusPending,
			Retry:   RetryAction[K, V]{key: key, r: r},
			initial: true,
			seq:     r.seq,
		},
	})
	r.logger.Debug().Str("key", fmt.Sprint(key)).Msg("Registered interest.")
}

func (r *Resolver[K, V]) clear(keys []K) {
	if len(keys) == 0 {
		if r.store.RemoveAll() {
			r.logger.Info().Msg("Cleared all cache entries.")
		}
		return
	}
	if r.store.Remove(keys) {
		r.logger.Info().Int("key_count", len(keys)).Msg("Cleared cache entries.")
	}
}

// issueSettled starts a batch for the settled identifiers that are still
// waiting on their first fetch. Identifiers cleared or claimed in the
// meantime are skipped.
func (r *Resolver[K, V]) issueSettled(keys []K) {
	batch := make([]K, 0, len(keys))
	for _, k := range keys {
		if e, ok := r.store.Get(k); ok && e.Status == StatusPending && e.initial {
			batch = append(batch, k)
		}
	}
	if len(batch) == 0 {
		return
	}
	r.issue(batch)
}

// issue marks every key as claimed-pending and calls the fetcher once for the
// whole batch in its own goroutine.
func (r *Resolver[K, V]) issue(batch []K) {
	pending := make(map[K]Entry[K, V], len(batch))
	for _, k := range batch {
		e := r.entryFor(k)
		e.Status = StatusPending
		e.Value = *new(V)
		e.Err = nil
		e.UpdatedAt = time.Time{}
		e.initial = false
		pending[k] = e
	}
	r.store.MergeOverwrite(pending)

	generation := r.generation.Load()
	r.issuedBatches.Add(1)
	r.inFlight.Add(1)
	r.logger.Debug().Int("batch_size", len(batch)).Msg("Issuing batch fetch.")

	go func() {
		defer r.inFlight.Add(-1)
		values, err := r.callFetch(batch)
		select {
		case r.results <- batchResult[K, V]{generation: generation, keys: batch, values: values, err: err}:
		case <-r.ctx.Done():
			r.logger.Debug().Int("batch_size", len(batch)).Msg("Discarding batch result after close.")
		}
	}()
}

func (r *Resolver[K, V]) callFetch(batch []K) (values map[K]V, err error) {
	ctx := context.Background()
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			values, err = nil, fmt.Errorf("batch fetch panicked: %v", p)
		}
	}()
	return r.fetch(ctx, slices.Clone(batch))
}

// apply demultiplexes one batch outcome into per-identifier entries.
func (r *Resolver[K, V]) apply(res batchResult[K, V]) {
	if res.generation != r.generation.Load() {
		r.logger.Debug().Int("batch_size", len(res.keys)).Msg("Discarding batch result from a previous generation.")
		return
	}

	outcome := make(map[K]Entry[K, V], len(res.keys))
	var resolved, missing int
	for _, k := range res.keys {
		e := r.entryFor(k)
		e.initial = false
		e.Value = *new(V)
		e.Err = nil
		e.UpdatedAt = time.Time{}

		switch v, ok := res.values[k]; {
		case res.err != nil:
			e.Status = StatusFailed
			e.Err = res.err
		case ok:
			e.Status = StatusResolved
			e.Value = v
			if r.cfg.CacheTTL > 0 {
				e.UpdatedAt = time.Now()
			}
			resolved++
		default:
			e.Status = StatusFailed
			e.Err = newNotFoundError(k)
			missing++
		}
		outcome[k] = e
	}
	r.store.MergeOverwrite(outcome)

	if res.err != nil {
		r.logger.Error().Err(res.err).Int("batch_size", len(res.keys)).Msg("Batch fetch failed.")
		return
	}
	r.logger.Debug().
		Int("batch_size", len(res.keys)).
		Int("resolved", resolved).
		Int("not_found", missing).
		Msg("Batch fetch completed.")
}

// entryFor returns the current entry for key, or a fresh one with the next
// registration sequence if the key was removed in the meantime.
func (r *Resolver[K, V]) entryFor(key K) Entry[K, V] {
	if e, ok := r.store.Get(key); ok {
		return e
	}
	r.seq++
	return Entry[K, V]{
		Key:   key,
		Retry: RetryAction[K, V]{key: key, r: r},
		seq:   r.seq,
	}
}

func (r *Resolver[K, V]) checkKey(key K) error {
	var zero K
	if key == zero {
		return ErrEmptyKey
	}
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// violation applies the usage-contract policy: strict resolvers return the
// error, lenient ones log it and carry on.
func (r *Resolver[K, V]) violation(err error, key any) error {
	if r.cfg.StrictUsage {
		return err
	}
	r.logger.Warn().Err(err).Str("key", fmt.Sprint(key)).Msg("Ignoring invalid resolver call.")
	return nil
}
