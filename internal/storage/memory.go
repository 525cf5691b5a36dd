package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-server/devicelab-gateway/internal/models"
)

// memoryCapacity bounds the in-memory log so a long-lived gateway without a
// database cannot grow without limit.
const memoryCapacity = 10000

// MemoryStore implements Store as a bounded in-memory ring. Used when no
// database DSN is configured.
type MemoryStore struct {
	mu     sync.Mutex
	events []*models.EventLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// CreateEventLog appends an entry, evicting the oldest past capacity
func (s *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > memoryCapacity {
		s.events = s.events[len(s.events)-memoryCapacity:]
	}
	return nil
}

// ListEventLogs lists matching entries, newest first
func (s *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.EventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		if matches(s.events[i], filters) {
			matched = append(matched, s.events[i])
		}
	}

	count := int64(len(matched))
	if offset >= len(matched) {
		return nil, count, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, count, nil
}

func matches(event *models.EventLog, filters EventLogFilters) bool {
	if filters.UDID != "" && event.UDID != filters.UDID {
		return false
	}
	if filters.Platform != nil && event.Platform != *filters.Platform {
		return false
	}
	if filters.Type != nil && event.Type != *filters.Type {
		return false
	}
	if filters.Level != nil && event.Level != *filters.Level {
		return false
	}
	if filters.StartTime != nil && event.CreatedAt.Before(*filters.StartTime) {
		return false
	}
	if filters.EndTime != nil && event.CreatedAt.After(*filters.EndTime) {
		return false
	}
	return true
}
