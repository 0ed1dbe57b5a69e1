package pipeline

import (
	"sync"
	"time"

	"github.com/plantops/plantkg/internal/metrics"
)

// RateTracker watches per-severity alarm rates and flags spikes: a sudden
// flood of alarms is itself a signal operators need, independent of the
// individual threshold crossings.
type RateTracker struct {
	mu sync.Mutex

	buckets       map[string]*rateBucket // severity -> rate
	lastResetTime time.Time

	windowDuration time.Duration
	spikeThreshold float64 // multiplier over the historical rate
}

type rateBucket struct {
	count    int
	baseline float64
	lastSeen time.Time
}

func NewRateTracker(windowDuration time.Duration, spikeThreshold float64) *RateTracker {
	return &RateTracker{
		buckets:        make(map[string]*rateBucket),
		lastResetTime:  time.Now(),
		windowDuration: windowDuration,
		spikeThreshold: spikeThreshold,
	}
}

// Track records one alarm of the given severity and checks for a spike.
func (rt *RateTracker) Track(severity string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	rt.maybeReset(now)

	b, ok := rt.buckets[severity]
	if !ok {
		b = &rateBucket{}
		rt.buckets[severity] = b
	}
	b.count++
	b.lastSeen = now

	if b.baseline > 0 && float64(b.count) > b.baseline*rt.spikeThreshold {
		metrics.TrackAlarmRateSpike(severity)
		// Raise the baseline so one sustained flood counts once per window.
		b.baseline = float64(b.count)
	}
}

// maybeReset rolls the window: current counts become the next baseline.
func (rt *RateTracker) maybeReset(now time.Time) {
	if now.Sub(rt.lastResetTime) < rt.windowDuration {
		return
	}
	for _, b := range rt.buckets {
		if b.baseline == 0 {
			b.baseline = float64(b.count)
		} else {
			b.baseline = (b.baseline + float64(b.count)) / 2
		}
		b.count = 0
	}
	rt.lastResetTime = now
}

// Counts returns a snapshot of the current window's per-severity counts.
func (rt *RateTracker) Counts() map[string]int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]int, len(rt.buckets))
	for sev, b := range rt.buckets {
		out[sev] = b.count
	}
	return out
}
