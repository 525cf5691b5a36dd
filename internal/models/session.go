package models

import (
	"time"
)

// Platform represents the device platform of a session
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// SessionState represents the lifecycle state of a device session
type SessionState string

const (
	StateStarting  SessionState = "STARTING"
	StateStarted   SessionState = "STARTED"
	StateSettingUp SessionState = "SETTING_UP"
	StateReady     SessionState = "READY"
	StateInAction  SessionState = "IN_ACTION"
	StateError     SessionState = "ERROR"
	StateStopped   SessionState = "STOPPED"
)

// Terminal reports whether the state is a terminal one
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// StatusCode identifies a session phase within a state, so the operator UI
// can distinguish setup sub-steps from plain state changes.
type StatusCode string

const (
	CodeSetUp       StatusCode = "SET_UP"
	CodeSetUpScreen StatusCode = "SET_UP_SCREEN_ON"
	CodeEndSetUp    StatusCode = "END_SET_UP"
	CodeInAction    StatusCode = "IN_ACTION"
	CodeEndAction   StatusCode = "END_ACTION"
	CodeDeviceInfo  StatusCode = "DEVICE_INFO"
)

// StatusEvent is the typed status stream surfaced to the transport layer.
// Text is the operator-facing message; Detail carries the diagnostic detail
// routed to telemetry and never shown verbatim to the operator.
type StatusEvent struct {
	UDID   string       `json:"udid"`
	State  SessionState `json:"state"`
	Code   StatusCode   `json:"code,omitempty"`
	Text   string       `json:"text,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Time   time.Time    `json:"time"`
}

// SessionInfo is the introspection view of an active session
type SessionInfo struct {
	UDID        string       `json:"udid"`
	Platform    Platform     `json:"platform"`
	State       SessionState `json:"state"`
	AppKey      string       `json:"appKey,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
	LeasedPorts []int        `json:"leasedPorts,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
}
