package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("/courses/run/ch/lec/", false, nil)
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ResourcePath != "/courses/run/ch/lec/" || got.Status != StatusActive || got.DurationKnown {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}

	again, err := m.End(s.ID)
	if !errors.Is(err, ErrEnded) {
		t.Fatalf("second End() error = %v, want ErrEnded", err)
	}
	if !again.EndedAt.Equal(ended.EndedAt) {
		t.Fatalf("second End() moved EndedAt from %v to %v", ended.EndedAt, again.EndedAt)
	}
	if _, err := m.End("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCounters(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("/lec/", false, nil)

	_ = m.SetState(s.ID, "tracking")
	_ = m.RecordDurationReport(s.ID)
	_ = m.RecordRangeReport(s.ID)
	_ = m.RecordRangeReport(s.ID)
	_ = m.RecordDropped(s.ID)
	_ = m.RecordQueryError(s.ID)

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != "tracking" || !got.DurationReported || !got.DurationKnown {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if got.RangeReports != 2 || got.DroppedSnapshots != 1 || got.QueryErrors != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	snap := m.Snapshot(got)
	if snap.InactivityTTLMS != time.Minute.Milliseconds() {
		t.Fatalf("InactivityTTLMS = %d, want %d", snap.InactivityTTLMS, time.Minute.Milliseconds())
	}
	if err := m.Touch("missing"); err != ErrNotFound {
		t.Fatalf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	cancelled := make(chan struct{})
	s := m.Create("/lec/", true, func() { close(cancelled) })

	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expired session was not cancelled")
	}
	if id := <-expired; id != s.ID {
		t.Fatalf("expire hook id = %q, want %q", id, s.ID)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}

	// The connection handler ends the session once its tracker unwinds; an
	// expired session must not be counted as ended a second time.
	if _, err := m.End(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("End() after expiry error = %v, want ErrEnded", err)
	}
}

func TestManagerListNewestFirst(t *testing.T) {
	m := NewManager(time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	first := m.Create("/a/", false, nil)
	second := m.Create("/b/", false, nil)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("List() order = [%s %s], want newest first", list[0].ResourcePath, list[1].ResourcePath)
	}
}
