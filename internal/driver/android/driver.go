package android

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/driver"
)

// Android key codes used by the driver
const (
	keycodeHome   = 3
	keycodePower  = 26
	keycodeMenu   = 82
	keycodeWakeup = 224
)

const defaultLauncher = "com.android.launcher"

// appStopCommand force-stops every application with a foreground window.
// Iterating the window dump is more reliable than trusting a single
// "current focus" entry across Android versions.
const appStopCommand = `for pp in $(dumpsys window a | grep "/" | cut -d "{" -f2 | cut -d "/" -f1 | cut -d " " -f2); do am force-stop "${pp}"; done`

// Options configures the Android driver
type Options struct {
	// CompanionIME is the input-method component used for text injection.
	// When empty, text falls back to plain `input text`.
	CompanionIME string

	// ForwardPort and RemoteSocket describe the adb forward set up so the
	// transport layer can reach the on-device mirroring agent.
	ForwardPort  int
	RemoteSocket string
}

// Driver manipulates an Android device over a shell channel. There is no
// long-lived spawned process: every operation is a shell command, so only
// heartbeat liveness applies.
type Driver struct {
	udid    string
	shell   ShellRunner
	fwd     PortForwarder
	opts    Options
	logger  zerolog.Logger
	homeApp string
}

// NewDriver creates an Android driver over the given shell channel
func NewDriver(udid string, shell ShellRunner, fwd PortForwarder, opts Options) *Driver {
	if opts.RemoteSocket == "" {
		opts.RemoteSocket = "localabstract:scrcpy"
	}
	return &Driver{
		udid:   udid,
		shell:  shell,
		fwd:    fwd,
		opts:   opts,
		logger: log.With().Str("udid", udid).Str("platform", "android").Logger(),
	}
}

// Start verifies the device answers shell commands and sets up the agent
// port forward
func (d *Driver) Start(ctx context.Context) error {
	out, err := d.shell.RunShell(ctx, "getprop ro.build.version.release")
	if err != nil {
		return fmt.Errorf("device shell not reachable: %w", err)
	}
	d.logger.Info().Str("android_version", strings.TrimSpace(out)).Msg("device shell attached")

	if out, err := d.shell.RunShell(ctx, "cmd package resolve-activity --brief -a android.intent.action.MAIN -c android.intent.category.HOME | tail -1"); err == nil {
		d.homeApp = parseLauncherPackage(out)
	}
	if d.homeApp == "" {
		d.homeApp = defaultLauncher
	}

	if d.opts.ForwardPort > 0 && d.fwd != nil {
		if err := d.fwd.Forward(ctx, d.opts.ForwardPort, d.opts.RemoteSocket); err != nil {
			return fmt.Errorf("forward agent port: %w", err)
		}
	}
	return nil
}

// Stop removes the agent port forward
func (d *Driver) Stop(ctx context.Context) error {
	if d.opts.ForwardPort > 0 && d.fwd != nil {
		if err := d.fwd.RemoveForward(ctx, d.opts.ForwardPort); err != nil {
			d.logger.Warn().Err(err).Msg("failed to remove port forward")
		}
	}
	return nil
}

// Unlock wakes the screen and dismisses the keyguard. The menu key is sent
// three times: a single press is not reliably idempotent across Android
// versions.
func (d *Driver) Unlock(ctx context.Context) error {
	if err := d.key(ctx, keycodeWakeup); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := d.key(ctx, keycodeMenu); err != nil {
			return err
		}
	}
	return nil
}

// Lock turns the screen off
func (d *Driver) Lock(ctx context.Context) error {
	return d.key(ctx, keycodePower)
}

// PressHome sends the home key
func (d *Driver) PressHome(ctx context.Context) error {
	return d.key(ctx, keycodeHome)
}

// ActiveApp returns the package of the first foregrounded window
func (d *Driver) ActiveApp(ctx context.Context) (string, error) {
	out, err := d.shell.RunShell(ctx, `dumpsys window a | grep "/" | cut -d "{" -f2 | cut -d "/" -f1 | cut -d " " -f2`)
	if err != nil {
		return "", fmt.Errorf("query foreground windows: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if pkg := strings.TrimSpace(line); pkg != "" {
			return pkg, nil
		}
	}
	return "", nil
}

// HomeApp returns the launcher package resolved at Start
func (d *Driver) HomeApp() string {
	if d.homeApp == "" {
		return defaultLauncher
	}
	return d.homeApp
}

// IsAppInstalled checks the package list for the app
func (d *Driver) IsAppInstalled(ctx context.Context, appKey string) (bool, error) {
	out, err := d.shell.RunShell(ctx, fmt.Sprintf("pm list packages %s", appKey))
	if err != nil {
		return false, fmt.Errorf("list packages: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+appKey {
			return true, nil
		}
	}
	return false, nil
}

// LaunchApp starts the app through its launcher intent
func (d *Driver) LaunchApp(ctx context.Context, appKey string) error {
	_, err := d.shell.RunShell(ctx, fmt.Sprintf("monkey -p '%s' -c android.intent.category.LAUNCHER 1", appKey))
	if err != nil {
		return fmt.Errorf("launch app %s: %w", appKey, err)
	}
	return nil
}

// ActivateApp brings the app to the foreground. On Android the launcher
// intent already foregrounds a running app.
func (d *Driver) ActivateApp(ctx context.Context, appKey string) error {
	return d.LaunchApp(ctx, appKey)
}

// TerminateApp force-stops the app
func (d *Driver) TerminateApp(ctx context.Context, appKey string) error {
	if appKey == "" {
		_, err := d.shell.RunShell(ctx, appStopCommand)
		return err
	}
	_, err := d.shell.RunShell(ctx, fmt.Sprintf("am force-stop '%s'", appKey))
	if err != nil {
		return fmt.Errorf("force-stop %s: %w", appKey, err)
	}
	return nil
}

// Tap taps at the given point
func (d *Driver) Tap(ctx context.Context, p driver.Point) error {
	_, err := d.shell.RunShell(ctx, fmt.Sprintf("input tap %d %d", p.X, p.Y))
	return err
}

// LongTap holds a touch at the given point
func (d *Driver) LongTap(ctx context.Context, p driver.Point) error {
	_, err := d.shell.RunShell(ctx, fmt.Sprintf("input swipe %d %d %d %d 1000", p.X, p.Y, p.X, p.Y))
	return err
}

// Scroll performs a touch move between two points
func (d *Driver) Scroll(ctx context.Context, from, to driver.Point, holdAtStart bool) error {
	if holdAtStart {
		_, err := d.shell.RunShell(ctx, fmt.Sprintf("input draganddrop %d %d %d %d 1000", from.X, from.Y, to.X, to.Y))
		return err
	}
	_, err := d.shell.RunShell(ctx, fmt.Sprintf("input swipe %d %d %d %d 500", from.X, from.Y, to.X, to.Y))
	return err
}

// Swipe performs a canned vertical swipe. Coordinates are derived from the
// device's current rotation so the gesture is always expressed in the
// physical orientation.
func (d *Driver) Swipe(ctx context.Context, dir driver.Direction) error {
	width, height, err := d.screenSize(ctx)
	if err != nil {
		return err
	}

	x := width / 2
	yTop := height / 4
	yBottom := height * 4 / 5

	switch dir {
	case driver.DirectionUp:
		_, err = d.shell.RunShell(ctx, fmt.Sprintf("input swipe %d %d %d %d 500", x, yBottom, x, yTop))
	case driver.DirectionDown:
		_, err = d.shell.RunShell(ctx, fmt.Sprintf("input swipe %d %d %d %d 500", x, yTop, x, yBottom))
	default:
		err = fmt.Errorf("unknown swipe direction: %s", dir)
	}
	return err
}

// PressButton maps named buttons onto key events
func (d *Driver) PressButton(ctx context.Context, name string) error {
	switch name {
	case "home":
		return d.key(ctx, keycodeHome)
	case "power":
		return d.key(ctx, keycodePower)
	case "menu":
		return d.key(ctx, keycodeMenu)
	default:
		code, err := strconv.Atoi(name)
		if err != nil {
			return fmt.Errorf("unknown button: %s", name)
		}
		return d.key(ctx, code)
	}
}

// SendKeys injects text through the companion input method. The operator's
// original input method is captured before the swap and restored even when
// the broadcast fails.
func (d *Driver) SendKeys(ctx context.Context, text string) (err error) {
	if d.opts.CompanionIME == "" {
		escaped := strings.ReplaceAll(text, " ", "%s")
		_, err = d.shell.RunShell(ctx, fmt.Sprintf("input text '%s'", escaped))
		return err
	}

	original := ""
	if out, qerr := d.shell.RunShell(ctx, "settings get secure default_input_method"); qerr == nil {
		original = strings.TrimSpace(out)
		if original == "null" {
			original = ""
		}
	}

	if _, err = d.shell.RunShell(ctx, fmt.Sprintf("ime enable %s", d.opts.CompanionIME)); err != nil {
		return fmt.Errorf("enable companion ime: %w", err)
	}
	if _, err = d.shell.RunShell(ctx, fmt.Sprintf("ime set %s", d.opts.CompanionIME)); err != nil {
		return fmt.Errorf("select companion ime: %w", err)
	}

	defer func() {
		if original == "" {
			return
		}
		if _, rerr := d.shell.RunShell(ctx, fmt.Sprintf("ime set %s", original)); rerr != nil {
			d.logger.Warn().Err(rerr).Str("ime", original).Msg("failed to restore input method")
		}
	}()

	escaped := strings.ReplaceAll(text, "'", `'\''`)
	if _, err = d.shell.RunShell(ctx, fmt.Sprintf("am broadcast -a ADB_INPUT_TEXT --es msg '%s'", escaped)); err != nil {
		return fmt.Errorf("broadcast text: %w", err)
	}
	return nil
}

// ScreenWidth returns the width in the current physical orientation
func (d *Driver) ScreenWidth(ctx context.Context) (int, error) {
	width, _, err := d.screenSize(ctx)
	return width, err
}

// screenSize returns the screen dimensions with width/height swapped when
// the device is rotated to landscape
func (d *Driver) screenSize(ctx context.Context) (int, int, error) {
	rotOut, err := d.shell.RunShell(ctx, "dumpsys window displays | grep mCurrentRotation | tail -1")
	if err != nil {
		return 0, 0, fmt.Errorf("query rotation: %w", err)
	}
	landscape := parseLandscape(rotOut)

	sizeOut, err := d.shell.RunShell(ctx, "wm size | tail -1")
	if err != nil {
		return 0, 0, fmt.Errorf("query screen size: %w", err)
	}
	width, height, err := parseSize(sizeOut)
	if err != nil {
		return 0, 0, err
	}

	if landscape {
		width, height = height, width
	}
	return width, height, nil
}

func (d *Driver) key(ctx context.Context, code int) error {
	_, err := d.shell.RunShell(ctx, fmt.Sprintf("input keyevent %d", code))
	return err
}

var (
	rotationRe = regexp.MustCompile(`\d+`)
	sizeRe     = regexp.MustCompile(`(\d+)x(\d+)`)
)

// parseLandscape reads the mCurrentRotation dump line
func parseLandscape(out string) bool {
	m := rotationRe.FindString(out)
	return m == "90" || m == "270"
}

// parseSize reads a `wm size` line
func parseSize(out string) (int, int, error) {
	m := sizeRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, fmt.Errorf("unexpected wm size output: %q", strings.TrimSpace(out))
	}
	width, _ := strconv.Atoi(m[1])
	height, _ := strconv.Atoi(m[2])
	return width, height, nil
}

// parseLauncherPackage extracts the package from a resolve-activity line
// such as "com.android.launcher3/.Launcher"
func parseLauncherPackage(out string) string {
	line := strings.TrimSpace(out)
	if line == "" || strings.Contains(line, "No activity found") {
		return ""
	}
	if idx := strings.Index(line, "/"); idx > 0 {
		return line[:idx]
	}
	return ""
}
