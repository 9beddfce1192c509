package resolver

import (
	"fmt"
	"time"
)

// sweep evicts resolved entries once they are CacheTTL old. After each pass it
// sleeps until the oldest remaining entry expires, but never longer than
// interval, so entries resolved between passes are picked up by the next one.
// Evicted identifiers are not refetched until a consumer registers them again.
func (r *Resolver[K, V]) sweep(interval time.Duration) {
	defer r.wg.Done()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	r.logger.Debug().Dur("interval", interval).Msg("Expiration sweeper started.")
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
			var next time.Time
			if err := r.exec(func() { next = r.expire(time.Now()) }); err != nil {
				return
			}
			timer.Reset(nextSweepDelay(next, interval))
		}
	}
}

// nextSweepDelay is the wait until deadline, capped at interval. A zero
// deadline means nothing is due and the full interval applies.
func nextSweepDelay(deadline time.Time, interval time.Duration) time.Duration {
	if deadline.IsZero() {
		return interval
	}
	return max(min(time.Until(deadline), interval), 0)
}

// expire removes every entry that has been resolved for at least the TTL and
// returns the earliest expiry among the entries that remain.
func (r *Resolver[K, V]) expire(now time.Time) (next time.Time) {
	expired := r.store.keysWhere(func(e Entry[K, V]) bool {
		if e.UpdatedAt.IsZero() {
			return false
		}
		deadline := e.UpdatedAt.Add(r.cfg.CacheTTL)
		if !now.Before(deadline) {
			return true
		}
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
		return false
	})
	if len(expired) == 0 {
		return next
	}
	r.store.Remove(expired)
	r.logger.Debug().
		Int("key_count", len(expired)).
		Str("first_key", fmt.Sprint(expired[0])).
		Msg("Evicted expired entries.")
	return next
}
