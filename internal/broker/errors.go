package broker

import "fmt"

// Kind classifies a broker failure into an actionable category
type Kind string

const (
	// KindUnavailable means the broker could not be reached at all
	KindUnavailable Kind = "BROKER_UNAVAILABLE"
	// KindBusy means the device is already reserved by another operator
	KindBusy Kind = "DEVICE_BUSY"
	// KindUnreachable means the broker reports the device as disconnected
	KindUnreachable Kind = "DEVICE_UNREACHABLE"
	// KindOther covers any other non-2xx response
	KindOther Kind = "BROKER_ERROR"
)

// Error is a classified broker failure. HolderUserAgent is set for
// KindBusy when the broker reports who currently holds the device.
type Error struct {
	Kind            Kind
	Status          int
	HolderUserAgent string

	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnavailable:
		return fmt.Sprintf("broker unavailable: %v", e.cause)
	case KindBusy:
		if e.HolderUserAgent != "" {
			return fmt.Sprintf("device busy (held by %s)", e.HolderUserAgent)
		}
		return "device busy"
	case KindUnreachable:
		return fmt.Sprintf("device unreachable (status %d)", e.Status)
	default:
		return fmt.Sprintf("broker error (status %d)", e.Status)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the classification of err, or "" when err is not a
// broker error
func KindOf(err error) Kind {
	if be, ok := err.(*Error); ok {
		return be.Kind
	}
	return ""
}
