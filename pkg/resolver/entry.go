package resolver

import "time"

// Status is the resolution state of a registered identifier.
type Status int

const (
	// StatusPending means a fetch is queued or in flight.
	StatusPending Status = iota
	// StatusResolved means the identifier was present in a batch result.
	StatusResolved
	// StatusFailed means the batch call failed or the identifier was absent.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a read-only view of one identifier's cached state together with
// the action that re-resolves it alone.
type Entry[K comparable, V any] struct {
	Key    K
	Status Status
	// Value is set only when Status is StatusResolved.
	Value V
	// Err is set only when Status is StatusFailed.
	Err error
	// UpdatedAt is the resolution time, recorded only when a TTL is configured.
	UpdatedAt time.Time
	Retry     RetryAction[K, V]

	// initial marks a pending entry that has not yet been claimed by a batch.
	initial bool
	// seq is the registration order used to order batch arguments.
	seq uint64
}

// RetryAction re-issues resolution for a single identifier, bypassing the
// coalescing window. The zero value does nothing.
type RetryAction[K comparable, V any] struct {
	key K
	r   *Resolver[K, V]
}

// Run issues a fetch for the bound identifier only.
func (a RetryAction[K, V]) Run() error {
	if a.r == nil {
		return nil
	}
	return a.r.Retry(a.key)
}
