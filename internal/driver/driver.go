// Package driver defines the narrow interface the session controller uses
// to manipulate a device. The two platform backends (a spawned automation
// server for iOS, an adb shell channel for Android) live in subpackages.
package driver

import (
	"context"
	"strings"
)

// Point is a screen coordinate in the device's physical orientation
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Direction is a canned swipe direction
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Driver is the platform-specific automation backend for one device.
// Implementations are not reentrant-safe for overlapping gestures; the
// session controller serializes all state-changing calls through its
// command queue.
type Driver interface {
	// Start establishes the driver process/session. Stop detaches from it;
	// it must be safe to call after a failed Start.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Screen and device state
	Unlock(ctx context.Context) error
	Lock(ctx context.Context) error
	PressHome(ctx context.Context) error

	// ActiveApp returns the identifier of the foregrounded application.
	// HomeApp returns the platform home/launcher identifier so callers can
	// skip dismissing it.
	ActiveApp(ctx context.Context) (string, error)
	HomeApp() string

	// App lifecycle
	IsAppInstalled(ctx context.Context, appKey string) (bool, error)
	LaunchApp(ctx context.Context, appKey string) error
	ActivateApp(ctx context.Context, appKey string) error
	TerminateApp(ctx context.Context, appKey string) error

	// Gestures and input
	Tap(ctx context.Context, p Point) error
	LongTap(ctx context.Context, p Point) error
	Scroll(ctx context.Context, from, to Point, holdAtStart bool) error
	Swipe(ctx context.Context, dir Direction) error
	PressButton(ctx context.Context, name string) error
	SendKeys(ctx context.Context, text string) error

	// ScreenWidth is a read-only query; callers may memoize it for the
	// session lifetime.
	ScreenWidth(ctx context.Context) (int, error)
}

// ProcessBacked is implemented by drivers that run a long-lived OS process
// whose death must end the session.
type ProcessBacked interface {
	// ProcessID re-resolves the backing process id using the same lookup
	// as at startup. A zero pid means no process was found.
	ProcessID(ctx context.Context) (int, error)
}

// SettingsUpdater is implemented by drivers that accept backend settings
// updates outside the command queue.
type SettingsUpdater interface {
	UpdateSettings(ctx context.Context, settings map[string]interface{}) error
}

// IsCoordinateRace reports whether err carries the transient touch-point
// failure signature: the backend raced a geometry query against the touch
// and rejected a degenerate point. Such commands are worth retrying.
func IsCoordinateRace(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid touch point") ||
		strings.Contains(msg, "coordinate") && strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "zero") && strings.Contains(msg, "size")
}
