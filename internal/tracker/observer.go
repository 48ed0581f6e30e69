package tracker

import (
	"context"

	"github.com/ent0n29/watchtrack/internal/player"
	"github.com/ent0n29/watchtrack/internal/watch"
)

type queryKind string

const (
	queryDuration queryKind = "duration"
	queryPlayed   queryKind = "played"
)

type queryResult struct {
	kind     queryKind
	duration float64
	played   watch.RangeSet
	err      error
}

// observer turns player events into asynchronous player queries. It owns no
// session state: results are posted back to the event loop.
type observer struct {
	player    player.Player
	watchPlay bool
}

// handle starts the query an event calls for, if any. It reports whether a
// query was started.
func (o *observer) handle(ctx context.Context, ev player.Event, results chan<- queryResult) bool {
	switch ev.Name {
	case player.EventPlay:
		if !o.watchPlay {
			return false
		}
		go func() {
			d, err := o.player.Duration(ctx)
			post(ctx, results, queryResult{kind: queryDuration, duration: d, err: err})
		}()
		return true
	case player.EventTimeUpdate:
		go func() {
			played, err := o.player.Played(ctx)
			post(ctx, results, queryResult{kind: queryPlayed, played: played, err: err})
		}()
		return true
	default:
		return false
	}
}

func post(ctx context.Context, results chan<- queryResult, res queryResult) {
	select {
	case results <- res:
	case <-ctx.Done():
	}
}
