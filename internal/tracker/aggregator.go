package tracker

import "time"

// DefaultThrottleInterval is the minimum spacing between two watch-range syncs.
const DefaultThrottleInterval = 10 * time.Second

// Aggregator rate-limits watch-range syncs. Snapshots arriving inside the
// window are dropped, not queued: each snapshot carries the full played
// history, so the next one supersedes it.
type Aggregator struct {
	interval time.Duration
	lastSync time.Time
}

// NewAggregator starts the first window at start (session creation time).
func NewAggregator(interval time.Duration, start time.Time) *Aggregator {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Aggregator{interval: interval, lastSync: start}
}

// Offer reports whether a snapshot received at now should be synced. A true
// result restarts the window at now.
func (a *Aggregator) Offer(now time.Time) bool {
	if now.Sub(a.lastSync) <= a.interval {
		return false
	}
	a.lastSync = now
	return true
}

func (a *Aggregator) LastSync() time.Time     { return a.lastSync }
func (a *Aggregator) Interval() time.Duration { return a.interval }
