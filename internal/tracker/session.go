package tracker

import "time"

// State is the per-page tracking lifecycle.
type State string

const (
	StateInit          State = "init"
	StateAwaitingPlay  State = "awaiting_play"
	StateDurationKnown State = "duration_known"
	StateTracking      State = "tracking"
)

// PlayerSession holds the mutable state of one page load. It is only touched
// from the tracker's event loop.
type PlayerSession struct {
	ID               string
	ResourcePath     string
	StartedAt        time.Time
	State            State
	Duration         float64
	DurationKnown    bool
	DurationReported bool
	LastSync         time.Time
	RangeReports     int
	DroppedSnapshots int
}
