package resolver

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

type snapshot[K comparable, V any] struct {
	version uint64
	entries map[K]Entry[K, V]
}

// Store maps identifiers to entries. Each mutation produces a new immutable
// snapshot with a higher version, so reads never block on writers. Mutations
// must be serialized by the caller; the Resolver does this from its event loop.
type Store[K comparable, V any] struct {
	current atomic.Pointer[snapshot[K, V]]

	mu          sync.Mutex
	watchers    map[int]chan struct{}
	nextWatcher int
}

// NewStore creates an empty Store at version zero.
func NewStore[K comparable, V any]() *Store[K, V] {
	s := &Store[K, V]{watchers: make(map[int]chan struct{})}
	s.current.Store(&snapshot[K, V]{entries: make(map[K]Entry[K, V])})
	return s
}

// Get returns the entry for key, if any.
func (s *Store[K, V]) Get(key K) (Entry[K, V], bool) {
	e, ok := s.current.Load().entries[key]
	return e, ok
}

// Version changes whenever the contents change.
func (s *Store[K, V]) Version() uint64 {
	return s.current.Load().version
}

// Len returns the number of entries.
func (s *Store[K, V]) Len() int {
	return len(s.current.Load().entries)
}

// Keys returns every identifier in registration order.
func (s *Store[K, V]) Keys() []K {
	return s.keysWhere(func(Entry[K, V]) bool { return true })
}

// MergeIfAbsent inserts entries whose keys are not yet present and leaves
// existing entries untouched. It reports whether anything changed.
func (s *Store[K, V]) MergeIfAbsent(partial map[K]Entry[K, V]) bool {
	cur := s.current.Load()
	var next map[K]Entry[K, V]
	for k, e := range partial {
		if _, ok := cur.entries[k]; ok {
			continue
		}
		if next == nil {
			next = maps.Clone(cur.entries)
		}
		next[k] = e
	}
	if next == nil {
		return false
	}
	s.publish(cur, next)
	return true
}

// MergeOverwrite inserts or replaces every entry in partial.
func (s *Store[K, V]) MergeOverwrite(partial map[K]Entry[K, V]) bool {
	if len(partial) == 0 {
		return false
	}
	cur := s.current.Load()
	next := maps.Clone(cur.entries)
	maps.Copy(next, partial)
	s.publish(cur, next)
	return true
}

// Remove deletes the named entries. Unknown keys are ignored.
func (s *Store[K, V]) Remove(keys []K) bool {
	cur := s.current.Load()
	var next map[K]Entry[K, V]
	for _, k := range keys {
		if _, ok := cur.entries[k]; !ok {
			continue
		}
		if next == nil {
			next = maps.Clone(cur.entries)
		}
		delete(next, k)
	}
	if next == nil {
		return false
	}
	s.publish(cur, next)
	return true
}

// RemoveAll deletes every entry.
func (s *Store[K, V]) RemoveAll() bool {
	cur := s.current.Load()
	if len(cur.entries) == 0 {
		return false
	}
	s.publish(cur, make(map[K]Entry[K, V]))
	return true
}

// Watch returns a channel that receives a signal after each change. Signals
// coalesce: a slow reader sees at most one pending notification. The returned
// func stops the watch.
func (s *Store[K, V]) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store[K, V]) publish(cur *snapshot[K, V], entries map[K]Entry[K, V]) {
	s.current.Store(&snapshot[K, V]{version: cur.version + 1, entries: entries})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// keysWhere returns the keys of entries matching keep, in registration order.
func (s *Store[K, V]) keysWhere(keep func(Entry[K, V]) bool) []K {
	return orderedKeys(s.current.Load().entries, keep)
}

func orderedKeys[K comparable, V any](entries map[K]Entry[K, V], keep func(Entry[K, V]) bool) []K {
	matched := make([]Entry[K, V], 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(a, b Entry[K, V]) int {
		return cmp.Compare(a.seq, b.seq)
	})
	keys := make([]K, len(matched))
	for i, e := range matched {
		keys[i] = e.Key
	}
	return keys
}
