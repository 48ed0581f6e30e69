package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/watchtrack/internal/player"
	"github.com/ent0n29/watchtrack/internal/watch"
)

const (
	ReportKindDuration   = "duration"
	ReportKindWatchRange = "watch_range"

	resultBuffer = 32
)

// Reporter sends progress reports. Implementations must not block the caller
// and must absorb their own failures.
type Reporter interface {
	ReportDuration(ctx context.Context, seconds float64)
	ReportWatchRange(ctx context.Context, played watch.RangeSet)
}

// Hooks are optional callbacks invoked from the event loop.
type Hooks struct {
	OnStateChange func(from, to State)
	OnReport      func(kind string)
	OnThrottled   func()
	OnQueryError  func(query string, err error)
}

type Config struct {
	SessionID    string
	ResourcePath string
	// PageDuration is the server-rendered duration; "" means unknown.
	PageDuration     string
	ThrottleInterval time.Duration
	Logger           *slog.Logger
	Hooks            Hooks
	Now              func() time.Time
}

// Tracker wires a player to a reporter for one page load. All session state
// is confined to the goroutine running Run.
type Tracker struct {
	player   player.Player
	reporter Reporter
	observer *observer
	agg      *Aggregator
	session  PlayerSession
	hooks    Hooks
	logger   *slog.Logger
	now      func() time.Time
}

func New(p player.Player, r Reporter, cfg Config) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	id := strings.TrimSpace(cfg.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracker", "session_id", id)

	start := now()
	t := &Tracker{
		player:   p,
		reporter: r,
		agg:      NewAggregator(cfg.ThrottleInterval, start),
		hooks:    cfg.Hooks,
		logger:   logger,
		now:      now,
		session: PlayerSession{
			ID:           id,
			ResourcePath: cfg.ResourcePath,
			StartedAt:    start,
			State:        StateInit,
			LastSync:     start,
		},
	}

	d, known, err := watch.ParseDuration(cfg.PageDuration)
	if err != nil {
		logger.Warn("ignoring page video duration", "error", err)
	}
	if known {
		t.session.Duration = d
		t.session.DurationKnown = true
		t.transition(StateTracking)
	} else {
		t.transition(StateAwaitingPlay)
	}
	t.observer = &observer{player: p, watchPlay: !known}
	return t
}

// Session returns a copy of the session state. It must not be called while
// Run is active.
func (t *Tracker) Session() PlayerSession { return t.session }

// Run processes player events until ctx is cancelled or the player's event
// stream ends. Queries still in flight are abandoned; reports already handed
// to the Reporter are left to finish on their own.
func (t *Tracker) Run(ctx context.Context) error {
	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan queryResult, resultBuffer)
	events := t.player.Events()

	t.logger.Info("tracking started",
		"resource", t.session.ResourcePath,
		"state", t.session.State,
		"throttle", t.agg.Interval(),
	)
	defer func() {
		t.logger.Info("tracking stopped",
			"duration_reported", t.session.DurationReported,
			"range_reports", t.session.RangeReports,
			"dropped_snapshots", t.session.DroppedSnapshots,
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.handleEvent(queryCtx, ev, results)
		case res := <-results:
			t.apply(ctx, res)
		}
	}
}

func (t *Tracker) handleEvent(ctx context.Context, ev player.Event, results chan<- queryResult) {
	if !t.observer.handle(ctx, ev, results) {
		t.logger.Debug("player event ignored", "event", ev.Name, "seconds", ev.Seconds)
	}
}

func (t *Tracker) apply(ctx context.Context, res queryResult) {
	switch res.kind {
	case queryDuration:
		t.applyDuration(ctx, res)
	case queryPlayed:
		t.applyPlayed(ctx, res)
	}
}

func (t *Tracker) applyDuration(ctx context.Context, res queryResult) {
	if res.err != nil {
		t.queryFailed("duration", res.err)
		return
	}
	if t.session.DurationReported {
		return
	}
	if res.duration <= 0 || math.IsNaN(res.duration) || math.IsInf(res.duration, 0) {
		t.queryFailed("duration", errors.New("player returned a non-positive duration"))
		return
	}

	t.session.Duration = res.duration
	t.session.DurationKnown = true
	t.transition(StateDurationKnown)

	t.session.DurationReported = true
	t.reporter.ReportDuration(ctx, res.duration)
	t.reported(ReportKindDuration)
	t.transition(StateTracking)
}

func (t *Tracker) applyPlayed(ctx context.Context, res queryResult) {
	if res.err != nil {
		t.queryFailed("played", res.err)
		return
	}
	now := t.now()
	if !t.agg.Offer(now) {
		t.session.DroppedSnapshots++
		if t.hooks.OnThrottled != nil {
			t.hooks.OnThrottled()
		}
		return
	}
	t.session.LastSync = now
	t.session.RangeReports++
	t.reporter.ReportWatchRange(ctx, res.played)
	t.reported(ReportKindWatchRange)
}

func (t *Tracker) queryFailed(query string, err error) {
	t.logger.Warn("player query failed", "query", query, "error", err)
	if t.hooks.OnQueryError != nil {
		t.hooks.OnQueryError(query, err)
	}
}

func (t *Tracker) reported(kind string) {
	t.logger.Debug("report handed off", "kind", kind)
	if t.hooks.OnReport != nil {
		t.hooks.OnReport(kind)
	}
}

func (t *Tracker) transition(to State) {
	from := t.session.State
	if from == to {
		return
	}
	t.session.State = to
	t.logger.Debug("session state changed", "from", from, "to", to)
	if t.hooks.OnStateChange != nil {
		t.hooks.OnStateChange(from, to)
	}
}
