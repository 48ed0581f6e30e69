package ingest

import (
	"context"
	"sort"
	"sync"
)

type submissionKey struct {
	resource string
	viewer   string
}

// InMemoryStore keeps everything in process; used for local/dev and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	durations   map[string]float64
	submissions map[submissionKey]Submission
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		durations:   make(map[string]float64),
		submissions: make(map[submissionKey]Submission),
	}
}

func (s *InMemoryStore) SetDuration(_ context.Context, resource string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations[resource] = seconds
	return nil
}

func (s *InMemoryStore) Duration(_ context.Context, resource string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.durations[resource]
	return d, ok, nil
}

func (s *InMemoryStore) Submission(_ context.Context, resource, viewer string) (Submission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[submissionKey{resource, viewer}]
	if !ok {
		return Submission{}, false, nil
	}
	sub.Watched = sub.Watched.Clone()
	return sub, true, nil
}

func (s *InMemoryStore) SaveSubmission(_ context.Context, sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.Watched = sub.Watched.Clone()
	s.submissions[submissionKey{sub.Resource, sub.Viewer}] = sub
	return nil
}

func (s *InMemoryStore) Submissions(_ context.Context, resource string) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Submission
	for k, sub := range s.submissions {
		if k.resource != resource {
			continue
		}
		sub.Watched = sub.Watched.Clone()
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Viewer < out[j].Viewer })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
