package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventLog represents a session event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	UDID     string   `json:"udid" db:"udid"`
	Platform Platform `json:"platform" db:"platform"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Session lifecycle events
	EventTypeSessionStart EventType = "SESSION_START"
	EventTypeSessionStop  EventType = "SESSION_STOP"
	EventTypeStateChange  EventType = "STATE_CHANGE"

	// Failure events
	EventTypeSetupFailed   EventType = "SETUP_FAILED"
	EventTypeCommandFailed EventType = "COMMAND_FAILED"
	EventTypeHeartbeatLost EventType = "HEARTBEAT_LOST"
	EventTypeProcessLost   EventType = "PROCESS_LOST"
	EventTypeBrokerError   EventType = "BROKER_ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return json.Unmarshal([]byte(data.(string)), v)
	}
}
