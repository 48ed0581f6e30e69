package player

import (
	"context"
	"sync"

	"github.com/ent0n29/watchtrack/internal/watch"
)

// MockPlayer is a scripted in-process player for tests and replays.
type MockPlayer struct {
	events    chan Event
	closeOnce sync.Once

	mu            sync.Mutex
	duration      float64
	durationErr   error
	played        watch.RangeSet
	playedErr     error
	durationCalls int
	playedCalls   int
}

func NewMockPlayer() *MockPlayer {
	return &MockPlayer{events: make(chan Event, 64)}
}

func (p *MockPlayer) Events() <-chan Event { return p.events }

// Emit delivers an event to the subscriber. It blocks when the buffer is full.
func (p *MockPlayer) Emit(ev Event) { p.events <- ev }

// Close ends the event stream.
func (p *MockPlayer) Close() {
	p.closeOnce.Do(func() { close(p.events) })
}

func (p *MockPlayer) SetDuration(seconds float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duration = seconds
	p.durationErr = err
}

func (p *MockPlayer) SetPlayed(played watch.RangeSet, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = played.Clone()
	p.playedErr = err
}

func (p *MockPlayer) Duration(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.durationCalls++
	return p.duration, p.durationErr
}

func (p *MockPlayer) Played(ctx context.Context) (watch.RangeSet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playedCalls++
	if p.playedErr != nil {
		return nil, p.playedErr
	}
	return p.played.Clone(), nil
}

func (p *MockPlayer) DurationCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durationCalls
}

func (p *MockPlayer) PlayedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playedCalls
}
