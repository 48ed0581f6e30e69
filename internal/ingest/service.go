package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/watchtrack/internal/watch"
)

// Range payload keys. rangeKey is the current name; legacyRangeKey is the
// deprecated name that older page trackers, including this one, still send.
// Both are accepted.
const (
	rangeKey       = "video_watched_time_range"
	legacyRangeKey = "watched_video_time_range"
)

// Service applies reports to the store. Reports for the same submission are
// serialised so concurrent merges cannot lose ranges.
type Service struct {
	store Store
	mu    sync.Mutex
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) SaveDuration(ctx context.Context, resource string, seconds float64) error {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return ErrInvalidDuration
	}
	return s.store.SetDuration(ctx, resource, seconds)
}

func (s *Service) Duration(ctx context.Context, resource string) (float64, bool, error) {
	return s.store.Duration(ctx, resource)
}

// RecordWatched merges the ranges in body into the viewer's submission and
// refreshes the watched percent when the duration is known.
func (s *Service) RecordWatched(ctx context.Context, resource, viewer string, body []byte) (Submission, error) {
	ranges, err := decodeRanges(body)
	if err != nil {
		return Submission{}, err
	}
	if strings.TrimSpace(viewer) == "" {
		viewer = DefaultViewer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, found, err := s.store.Submission(ctx, resource, viewer)
	if err != nil {
		return Submission{}, err
	}
	if !found {
		sub = Submission{Resource: resource, Viewer: viewer}
	}
	sub.Watched = watch.Merge(sub.Watched, ranges)
	if err := s.refreshPercent(ctx, &sub); err != nil {
		return Submission{}, err
	}
	sub.UpdatedAt = s.now()
	if err := s.store.SaveSubmission(ctx, sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *Service) Progress(ctx context.Context, resource, viewer string) (Submission, bool, error) {
	if strings.TrimSpace(viewer) == "" {
		viewer = DefaultViewer
	}
	return s.store.Submission(ctx, resource, viewer)
}

// Recalculate recomputes the watched percent of every submission on resource,
// e.g. after the duration arrived later than the first pings. It returns the
// number of submissions updated.
func (s *Service) Recalculate(ctx context.Context, resource string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.store.Submissions(ctx, resource)
	if err != nil {
		return 0, err
	}
	updated := 0
	for i := range subs {
		sub := subs[i]
		if err := s.refreshPercent(ctx, &sub); err != nil {
			return updated, err
		}
		if sub.WatchedPercent == nil {
			continue
		}
		if err := s.store.SaveSubmission(ctx, sub); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *Service) refreshPercent(ctx context.Context, sub *Submission) error {
	d, ok, err := s.store.Duration(ctx, sub.Resource)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if pct, ok := watch.WatchedPercent(sub.Watched, d); ok {
		sub.WatchedPercent = &pct
	}
	return nil
}

func decodeRanges(body []byte) (watch.RangeSet, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	raw, ok := payload[rangeKey]
	if !ok {
		raw, ok = payload[legacyRangeKey]
	}
	if !ok {
		return nil, ErrUnknownRangeKey
	}
	var ranges watch.RangeSet
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return nil, fmt.Errorf("decode ranges: %w", err)
	}
	return ranges, nil
}
