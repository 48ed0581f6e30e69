package session

import "time"

// Snapshot is the JSON view of a tracked page session.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	ResourcePath     string    `json:"resource_path"`
	Status           Status    `json:"status"`
	State            string    `json:"state"`
	DurationKnown    bool      `json:"duration_known"`
	DurationReported bool      `json:"duration_reported"`
	RangeReports     int       `json:"range_reports"`
	DroppedSnapshots int       `json:"dropped_snapshots"`
	QueryErrors      int       `json:"query_errors"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	InactivityTTLMS  int64     `json:"inactivity_ttl_ms"`
}
