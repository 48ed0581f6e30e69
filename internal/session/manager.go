package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const defaultEndedRetention = 10 * time.Minute

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session already ended")
)

// Session is the registry entry for one connected page.
type Session struct {
	ID               string
	ResourcePath     string
	Status           Status
	State            string
	DurationKnown    bool
	DurationReported bool
	RangeReports     int
	DroppedSnapshots int
	QueryErrors      int
	StartedAt        time.Time
	LastActivityAt   time.Time
	EndedAt          time.Time

	cancel context.CancelFunc
}

// Manager is the process-wide registry of tracked pages. Trackers own their
// session state; the registry holds a mirror for introspection and expiry.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    defaultEndedRetention,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetEndedRetention controls how long ended sessions stay listed.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.endedRetention = d
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create registers a page. cancel, if non-nil, is invoked when the session
// expires for inactivity.
func (m *Manager) Create(resourcePath string, durationKnown bool, cancel context.CancelFunc) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		ResourcePath:   resourcePath,
		Status:         StatusActive,
		DurationKnown:  durationKnown,
		StartedAt:      now,
		LastActivityAt: now,
		cancel:         cancel,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// List returns all known sessions, most recently started first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) SetState(sessionID, state string) error {
	return m.update(sessionID, func(s *Session) { s.State = state })
}

func (m *Manager) RecordDurationReport(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.DurationKnown = true
		s.DurationReported = true
	})
}

func (m *Manager) RecordRangeReport(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.RangeReports++ })
}

func (m *Manager) RecordDropped(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.DroppedSnapshots++ })
}

func (m *Manager) RecordQueryError(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.QueryErrors++ })
}

// End marks the session ended. A session that already ended, by an earlier
// End or by inactivity expiry, yields ErrEnded so callers count it once.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return clone(s), ErrEnded
	}
	now := m.now()
	s.Status = StatusEnded
	s.LastActivityAt = now
	s.EndedAt = now
	s.cancel = nil
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) expireInactive() {
	now := m.now()
	var (
		expired []*Session
		cancels []context.CancelFunc
	)

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			if now.Sub(s.EndedAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		s.EndedAt = now
		if s.cancel != nil {
			cancels = append(cancels, s.cancel)
			s.cancel = nil
		}
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// Snapshot renders s for API responses.
func (m *Manager) Snapshot(s *Session) Snapshot {
	return Snapshot{
		SessionID:        s.ID,
		ResourcePath:     s.ResourcePath,
		Status:           s.Status,
		State:            s.State,
		DurationKnown:    s.DurationKnown,
		DurationReported: s.DurationReported,
		RangeReports:     s.RangeReports,
		DroppedSnapshots: s.DroppedSnapshots,
		QueryErrors:      s.QueryErrors,
		StartedAt:        s.StartedAt,
		LastActivityAt:   s.LastActivityAt,
		InactivityTTLMS:  m.inactivityTimeout.Milliseconds(),
	}
}

func clone(s *Session) *Session {
	c := *s
	c.cancel = nil
	return &c
}
