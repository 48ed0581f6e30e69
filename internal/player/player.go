package player

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/watchtrack/internal/watch"
)

// Event names emitted by embedded players. Only play and timeupdate drive
// tracking; the rest are passed through for logging.
const (
	EventPlay       = "play"
	EventTimeUpdate = "timeupdate"
	EventPause      = "pause"
	EventEnded      = "ended"
	EventSeeked     = "seeked"
)

var ErrBridgeClosed = errors.New("player bridge closed")

// Event is one playback event as delivered by the player SDK.
type Event struct {
	Name     string
	Seconds  float64
	Duration float64
	Percent  float64
}

// Player is the query/event surface of an embedded video player. Queries may
// block until the player answers; callers must not assume answers arrive in
// the order the queries were issued.
type Player interface {
	Events() <-chan Event
	Duration(ctx context.Context) (float64, error)
	Played(ctx context.Context) (watch.RangeSet, error)
}

// QueryError is a rejection reported by the player for a query.
type QueryError struct {
	Method  string
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("player %s rejected: %s", e.Method, e.Message)
}
