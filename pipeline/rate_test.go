package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateTrackerCounts(t *testing.T) {
	rt := NewRateTracker(time.Hour, 3.0)

	rt.Track("critical")
	rt.Track("critical")
	rt.Track("high")

	counts := rt.Counts()
	assert.Equal(t, 2, counts["critical"])
	assert.Equal(t, 1, counts["high"])
}

func TestRateTrackerWindowReset(t *testing.T) {
	rt := NewRateTracker(time.Hour, 3.0)

	rt.Track("critical")
	rt.Track("critical")

	// Force the window to roll: counts reset and seed the baseline.
	rt.mu.Lock()
	rt.lastResetTime = time.Now().Add(-2 * time.Hour)
	rt.mu.Unlock()

	rt.Track("critical")

	counts := rt.Counts()
	assert.Equal(t, 1, counts["critical"])
}
