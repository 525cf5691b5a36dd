package session

import (
	"errors"
	"fmt"

	"github.com/devicelab-server/devicelab-gateway/internal/broker"
)

// Common errors
var (
	// ErrAlreadyStarted is returned when a second session start arrives for
	// a device that already has a live session.
	ErrAlreadyStarted = errors.New("session already started for device")

	// ErrNotFound is returned when no session exists for the device.
	ErrNotFound = errors.New("no session for device")

	// ErrStopped is returned when an operation reaches a session that has
	// already entered a terminal state.
	ErrStopped = errors.New("session is stopped")
)

// OperatorMessage renders an error into the short, human-facing message
// sent to the operator. Diagnostic detail stays in logs and telemetry; the
// operator only needs to know what to do next.
func OperatorMessage(err error) string {
	if err == nil {
		return ""
	}

	var berr *broker.Error
	if errors.As(err, &berr) {
		switch berr.Kind {
		case broker.KindBusy:
			if berr.HolderUserAgent != "" {
				return fmt.Sprintf("device is in use by %s", berr.HolderUserAgent)
			}
			return "device is in use by another session"
		case broker.KindUnreachable:
			return "device is not reachable right now"
		case broker.KindUnavailable:
			return "device service is temporarily unavailable"
		default:
			return "device could not be reserved"
		}
	}

	switch {
	case errors.Is(err, ErrAlreadyStarted):
		return "a session for this device is already running"
	case errors.Is(err, ErrStopped):
		return "the session has ended"
	default:
		return "device operation failed"
	}
}
