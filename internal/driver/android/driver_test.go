package android

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-server/devicelab-gateway/internal/driver"
)

// fakeShell records every shell command and answers from a script
type fakeShell struct {
	commands  []string
	responses map[string]string
	failures  map[string]error
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		responses: map[string]string{},
		failures:  map[string]error{},
	}
}

func (f *fakeShell) RunShell(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	for prefix, err := range f.failures {
		if strings.HasPrefix(command, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeShell) has(substr string) bool {
	for _, cmd := range f.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

func TestParseSize(t *testing.T) {
	w, h, err := parseSize("Physical size: 1080x2340")
	require.NoError(t, err)
	assert.Equal(t, 1080, w)
	assert.Equal(t, 2340, h)

	_, _, err = parseSize("garbage")
	assert.Error(t, err)
}

func TestParseLandscape(t *testing.T) {
	assert.False(t, parseLandscape("    mCurrentRotation=0"))
	assert.True(t, parseLandscape("    mCurrentRotation=90"))
	assert.False(t, parseLandscape("    mCurrentRotation=180"))
	assert.True(t, parseLandscape("    mCurrentRotation=270"))
}

func TestParseLauncherPackage(t *testing.T) {
	assert.Equal(t, "com.android.launcher3",
		parseLauncherPackage("com.android.launcher3/.uioverrides.QuickstepLauncher\n"))
	assert.Equal(t, "", parseLauncherPackage("No activity found\n"))
	assert.Equal(t, "", parseLauncherPackage(""))
}

func TestUnlockSequence(t *testing.T) {
	shell := newFakeShell()
	d := NewDriver("serial-1", shell, nil, Options{})

	require.NoError(t, d.Unlock(context.Background()))

	// Wake first, then three keyguard dismiss presses.
	want := []string{
		"input keyevent 224",
		"input keyevent 82",
		"input keyevent 82",
		"input keyevent 82",
	}
	assert.Equal(t, want, shell.commands)
}

func TestSwipeUsesRotatedDimensions(t *testing.T) {
	shell := newFakeShell()
	shell.responses["dumpsys window displays"] = "  mCurrentRotation=90\n"
	shell.responses["wm size"] = "Physical size: 1080x1920\n"
	d := NewDriver("serial-1", shell, nil, Options{})

	require.NoError(t, d.Swipe(context.Background(), driver.DirectionUp))

	// Landscape swaps 1080x1920 into 1920x1080: x=960, from y=864 to y=270.
	assert.True(t, shell.has("input swipe 960 864 960 270 500"), "commands: %v", shell.commands)
}

func TestSwipeDownPortrait(t *testing.T) {
	shell := newFakeShell()
	shell.responses["dumpsys window displays"] = "  mCurrentRotation=0\n"
	shell.responses["wm size"] = "Physical size: 1080x1920\n"
	d := NewDriver("serial-1", shell, nil, Options{})

	require.NoError(t, d.Swipe(context.Background(), driver.DirectionDown))
	assert.True(t, shell.has("input swipe 540 480 540 1536 500"), "commands: %v", shell.commands)
}

func TestSendKeysPlainFallback(t *testing.T) {
	shell := newFakeShell()
	d := NewDriver("serial-1", shell, nil, Options{})

	require.NoError(t, d.SendKeys(context.Background(), "hello world"))
	assert.True(t, shell.has("input text 'hello%sworld'"), "commands: %v", shell.commands)
}

func TestSendKeysSwapsAndRestoresIME(t *testing.T) {
	shell := newFakeShell()
	shell.responses["settings get secure default_input_method"] = "com.samsung.keyboard/.SamsungIME\n"
	d := NewDriver("serial-1", shell, nil, Options{CompanionIME: "com.adb.ime/.AdbIME"})

	require.NoError(t, d.SendKeys(context.Background(), "it's"))

	assert.True(t, shell.has("ime enable com.adb.ime/.AdbIME"))
	assert.True(t, shell.has("ime set com.adb.ime/.AdbIME"))
	assert.True(t, shell.has(`am broadcast -a ADB_INPUT_TEXT --es msg 'it'\''s'`))
	assert.Equal(t, "ime set com.samsung.keyboard/.SamsungIME", shell.commands[len(shell.commands)-1])
}

func TestSendKeysRestoresIMEOnBroadcastFailure(t *testing.T) {
	shell := newFakeShell()
	shell.responses["settings get secure default_input_method"] = "original.ime/.IME\n"
	shell.failures["am broadcast"] = errors.New("broadcast failed")
	d := NewDriver("serial-1", shell, nil, Options{CompanionIME: "com.adb.ime/.AdbIME"})

	err := d.SendKeys(context.Background(), "text")
	require.Error(t, err)

	// The original input method comes back even when the broadcast fails.
	assert.Equal(t, "ime set original.ime/.IME", shell.commands[len(shell.commands)-1])
}

func TestIsAppInstalled(t *testing.T) {
	shell := newFakeShell()
	shell.responses["pm list packages"] = "package:com.example.app\npackage:com.example.app.beta\n"
	d := NewDriver("serial-1", shell, nil, Options{})

	installed, err := d.IsAppInstalled(context.Background(), "com.example.app")
	require.NoError(t, err)
	assert.True(t, installed)

	installed, err = d.IsAppInstalled(context.Background(), "com.example.missing")
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestActiveAppReturnsFirstWindow(t *testing.T) {
	shell := newFakeShell()
	shell.responses["dumpsys window a"] = "\ncom.example.app\ncom.android.systemui\n"
	d := NewDriver("serial-1", shell, nil, Options{})

	active, err := d.ActiveApp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", active)
}

func TestPressButtonNumericFallback(t *testing.T) {
	shell := newFakeShell()
	d := NewDriver("serial-1", shell, nil, Options{})

	require.NoError(t, d.PressButton(context.Background(), "home"))
	require.NoError(t, d.PressButton(context.Background(), "25"))
	assert.Error(t, d.PressButton(context.Background(), "volume-up"))

	assert.Equal(t, []string{"input keyevent 3", "input keyevent 25"}, shell.commands)
}

func TestTerminateAppTargeted(t *testing.T) {
	shell := newFakeShell()
	d := NewDriver("serial-1", shell, nil, Options{})

	require.NoError(t, d.TerminateApp(context.Background(), "com.example.app"))
	assert.Equal(t, []string{fmt.Sprintf("am force-stop '%s'", "com.example.app")}, shell.commands)
}
