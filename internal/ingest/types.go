package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/watchtrack/internal/watch"
)

const DefaultViewer = "anonymous"

var (
	ErrUnknownRangeKey = errors.New("unrecognized video watched time range")
	ErrInvalidDuration = errors.New("video_duration must be a positive number")
)

// Submission is the merged watch progress of one viewer on one resource.
type Submission struct {
	Resource       string         `json:"resource"`
	Viewer         string         `json:"viewer"`
	Watched        watch.RangeSet `json:"video_watched_time_range"`
	WatchedPercent *float64       `json:"video_watched_percent,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Store persists lecture durations and viewer submissions.
type Store interface {
	SetDuration(ctx context.Context, resource string, seconds float64) error
	Duration(ctx context.Context, resource string) (float64, bool, error)
	Submission(ctx context.Context, resource, viewer string) (Submission, bool, error)
	SaveSubmission(ctx context.Context, sub Submission) error
	Submissions(ctx context.Context, resource string) ([]Submission, error)
	Close() error
}
