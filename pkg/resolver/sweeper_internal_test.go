package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextSweepDelay(t *testing.T) {
	const interval = time.Minute
	now := time.Now()

	assert.Equal(t, interval, nextSweepDelay(time.Time{}, interval), "nothing due waits a full interval")
	assert.Equal(t, interval, nextSweepDelay(now.Add(time.Hour), interval), "far deadlines are capped")
	assert.Zero(t, nextSweepDelay(now.Add(-time.Second), interval), "overdue deadlines sweep at once")

	d := nextSweepDelay(now.Add(10*time.Second), interval)
	assert.LessOrEqual(t, d, 10*time.Second)
	assert.Greater(t, d, 9*time.Second)
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, Config{CacheTTL: time.Second}.sweepInterval())
	assert.Equal(t, maxSweepInterval, Config{CacheTTL: time.Hour}.sweepInterval())
}
