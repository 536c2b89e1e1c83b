package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	id string
	at time.Time
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Multi-instance deployments use the Redis store so all instances
// share one window.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]memoryRecord)}
}

func (s *MemoryStore) CheckAndRecord(_ context.Context, owner string, max int, window time.Duration, now time.Time) (bool, string, int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	live := s.records[owner][:0]
	for _, r := range s.records[owner] {
		if r.at.After(cutoff) {
			live = append(live, r)
		}
	}
	s.records[owner] = live

	if len(live) >= max {
		oldest := live[0].at
		for _, r := range live[1:] {
			if r.at.Before(oldest) {
				oldest = r.at
			}
		}
		return false, "", 0, oldest, nil
	}

	id := uuid.NewString()
	s.records[owner] = append(live, memoryRecord{id: id, at: now})
	return true, id, max - len(s.records[owner]), time.Time{}, nil
}

// Reset drops every record for owner.
func (s *MemoryStore) Reset(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, owner)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, owner, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.records[owner]
	for i, r := range records {
		if r.id == recordID {
			s.records[owner] = append(records[:i], records[i+1:]...)
			return nil
		}
	}
	return nil
}
