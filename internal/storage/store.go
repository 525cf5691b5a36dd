// Package storage persists the session event log. The gateway runs happily
// without a database; the in-memory store backs development and single-node
// setups.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/devicelab-server/devicelab-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the event log storage interface
type Store interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	Close() error
}

// EventLogFilters represents filters for event log queries
type EventLogFilters struct {
	UDID      string
	Platform  *models.Platform
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
