package resolver

import "time"

const (
	// DefaultDebounceTime is the coalescing window used when none is configured.
	DefaultDebounceTime = 80 * time.Millisecond
	// maxSweepInterval caps how long the expiration sweeper sleeps between passes.
	maxSweepInterval = time.Minute
)

// Config holds the tunables for a Resolver.
type Config struct {
	// DebounceTime is the quiet period after the last registration before the
	// pending identifiers are sent as one batch.
	DebounceTime time.Duration `yaml:"debounce_time"`
	// CacheTTL evicts resolved entries older than this. Zero disables expiry.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// FetchTimeout bounds a single batch fetch call. Zero means no deadline.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// StrictUsage makes usage-contract violations (empty identifiers, calls
	// after Close) return errors instead of logging a warning.
	StrictUsage bool `yaml:"strict_usage"`
}

// DefaultConfig returns a Config with the default coalescing window and no expiry.
func DefaultConfig() Config {
	return Config{DebounceTime: DefaultDebounceTime}
}

func (c Config) sweepInterval() time.Duration {
	if c.CacheTTL < maxSweepInterval {
		return c.CacheTTL
	}
	return maxSweepInterval
}
