package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/showfolio/analytics/internal/event"
)

// MemoryStore is an in-process Store used when no database is configured.
type MemoryStore struct {
	mu        sync.Mutex
	events    []event.AnalyticsEvent
	timeSpent map[timeSpentKey]int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		timeSpent: make(map[timeSpentKey]int),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, e *event.AnalyticsEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) UpsertTimeSpent(ctx context.Context, e *event.AnalyticsEvent) error {
	e.Event = event.TypeTimeSpent
	key := timeSpentKey{sessionID: e.SessionID, page: e.Page, ipHash: e.IPHash}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.timeSpent[key]; ok {
		cur := &s.events[idx]
		cur.TimeSpent = e.TimeSpent
		cur.ScrollDepth = e.ScrollDepth
		cur.Location = e.Location
		cur.Timestamp = e.Timestamp
		e.ID = cur.ID
		return nil
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.timeSpent[key] = len(s.events)
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]event.AnalyticsEvent, error) {
	s.mu.Lock()
	matched := make([]event.AnalyticsEvent, 0, len(s.events))
	for _, e := range s.events {
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if f.Page != "" && e.Page != f.Page {
			continue
		}
		if f.Event != "" && e.Event != f.Event {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}
