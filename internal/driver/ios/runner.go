package ios

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/driver"
	"github.com/devicelab-server/devicelab-gateway/internal/models"
)

const homeBundleID = "com.apple.springboard"

// startupTimeout bounds how long we wait for a freshly spawned automation
// server to answer its status endpoint.
const startupTimeout = 60 * time.Second

// Options configures the iOS driver
type Options struct {
	// AgentPath is the automation-server launcher executable.
	AgentPath string

	// ProcessPattern is the process-lookup pattern with a %s placeholder
	// for the udid. The same lookup is used at setup and by the liveness
	// poller, so a restarted server is detected as a different process.
	ProcessPattern string

	// ServerPort is the leased local port the automation server listens on.
	// LocalPort is the leased local port for the WebDriver/MJPEG proxy.
	ServerPort int
	LocalPort  int

	// MJPEGPort is the fixed remote MJPEG server port on the device.
	MJPEGPort int

	// Device carries the broker's device record (agent URL, OS version).
	Device *models.DeviceInfo
}

// Driver manipulates an iOS device through a spawned automation-server
// process bound to the session's leased port.
type Driver struct {
	udid   string
	opts   Options
	client *Client
	cmd    *exec.Cmd
	logger zerolog.Logger

	lookup    func(ctx context.Context) (int, error)
	terminate func(pid int) error
	launch    func() error
}

// NewDriver creates an iOS driver. The automation server is spawned on
// Start.
func NewDriver(udid string, opts Options) *Driver {
	d := &Driver{
		udid:   udid,
		opts:   opts,
		client: NewClient(opts.ServerPort),
		logger: log.With().Str("udid", udid).Str("platform", "ios").Logger(),
	}
	d.lookup = d.pgrepLookup
	d.terminate = func(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }
	d.launch = d.spawn
	return d
}

// Start spawns the automation server on the leased port and creates the
// device session. A server left over from an earlier session listens on a
// port this session never leased, and its pid shadows the process lookup,
// so it is terminated first.
func (d *Driver) Start(ctx context.Context) error {
	pid, err := d.ProcessID(ctx)
	if err != nil {
		return fmt.Errorf("process lookup: %w", err)
	}

	if pid != 0 {
		d.logger.Warn().Int("pid", pid).Msg("terminating stale automation server")
		if err := d.terminate(pid); err != nil {
			d.logger.Warn().Err(err).Int("pid", pid).Msg("failed to terminate stale automation server")
		}
	}
	if err := d.launch(); err != nil {
		return err
	}

	if err := d.waitReady(ctx); err != nil {
		return err
	}

	if pid, err = d.ProcessID(ctx); err != nil {
		return fmt.Errorf("process lookup: %w", err)
	}
	if pid == 0 {
		return fmt.Errorf("no automation server process found for %s", d.udid)
	}

	capabilities := map[string]interface{}{
		"platformName":    "iOS",
		"udid":            d.udid,
		"wdaLocalPort":    d.opts.LocalPort,
		"usePrebuiltWDA":  true,
		"mjpegServerPort": d.opts.MJPEGPort,
	}
	if d.opts.Device != nil {
		capabilities["platformVersion"] = d.opts.Device.OSVersion
		capabilities["deviceName"] = d.opts.Device.Name()
		if d.opts.Device.DeviceHost != "" {
			capabilities["webDriverAgentUrl"] = fmt.Sprintf("http://%s:%d",
				d.opts.Device.DeviceHost, d.opts.Device.DevicePort)
		}
	}

	if err := d.client.CreateSession(ctx, capabilities); err != nil {
		return fmt.Errorf("create automation session: %w", err)
	}

	d.logger.Info().Int("pid", pid).Int("server_port", d.opts.ServerPort).Msg("automation session created")
	return nil
}

// Stop deletes the session and terminates the spawned server
func (d *Driver) Stop(ctx context.Context) error {
	if err := d.client.DeleteSession(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("failed to delete automation session")
	}

	if d.cmd != nil && d.cmd.Process != nil {
		if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			d.logger.Warn().Err(err).Msg("failed to signal automation server")
		}
		// Reap asynchronously so teardown never blocks on a hung agent.
		go func() { _ = d.cmd.Wait() }()
	}
	return nil
}

// ProcessID resolves the automation-server process id. Zero means no
// process was found.
func (d *Driver) ProcessID(ctx context.Context) (int, error) {
	return d.lookup(ctx)
}

func (d *Driver) pgrepLookup(ctx context.Context) (int, error) {
	pattern := fmt.Sprintf(d.opts.ProcessPattern, d.udid)
	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("pgrep -f %q: %w", pattern, err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("parse pgrep output %q: %w", line, err)
	}
	return pid, nil
}

func (d *Driver) Unlock(ctx context.Context) error {
	return d.client.Unlock(ctx)
}

func (d *Driver) Lock(ctx context.Context) error {
	return d.client.Lock(ctx)
}

func (d *Driver) PressHome(ctx context.Context) error {
	return d.client.PressButton(ctx, "home")
}

func (d *Driver) ActiveApp(ctx context.Context) (string, error) {
	return d.client.ActiveAppInfo(ctx)
}

func (d *Driver) HomeApp() string {
	return homeBundleID
}

func (d *Driver) IsAppInstalled(ctx context.Context, appKey string) (bool, error) {
	state, err := d.client.AppState(ctx, appKey)
	if err != nil {
		return false, err
	}
	return state >= 1, nil
}

func (d *Driver) LaunchApp(ctx context.Context, appKey string) error {
	return d.client.LaunchApp(ctx, appKey)
}

func (d *Driver) ActivateApp(ctx context.Context, appKey string) error {
	return d.client.ActivateApp(ctx, appKey)
}

func (d *Driver) TerminateApp(ctx context.Context, appKey string) error {
	return d.client.TerminateApp(ctx, appKey)
}

func (d *Driver) Tap(ctx context.Context, p driver.Point) error {
	return d.client.PerformTouch(ctx, []map[string]interface{}{
		{"action": "tap", "options": map[string]interface{}{"x": p.X, "y": p.Y}},
	})
}

func (d *Driver) LongTap(ctx context.Context, p driver.Point) error {
	return d.client.TouchAndHold(ctx, p.X, p.Y, 1.0)
}

func (d *Driver) Scroll(ctx context.Context, from, to driver.Point, holdAtStart bool) error {
	if holdAtStart {
		return d.client.DragFromToForDuration(ctx, from.X, from.Y, to.X, to.Y, 0.5)
	}
	return d.client.PerformTouch(ctx, []map[string]interface{}{
		{"action": "press", "options": map[string]interface{}{"x": from.X, "y": from.Y}},
		{"action": "wait", "options": map[string]interface{}{"ms": 500}},
		{"action": "moveTo", "options": map[string]interface{}{"x": to.X, "y": to.Y}},
		{"action": "release", "options": map[string]interface{}{}},
	})
}

func (d *Driver) Swipe(ctx context.Context, dir driver.Direction) error {
	width, height, err := d.client.WindowSize(ctx)
	if err != nil {
		return err
	}

	x := width / 2
	yTop := height / 4
	yBottom := height * 4 / 5

	switch dir {
	case driver.DirectionUp:
		return d.Scroll(ctx, driver.Point{X: x, Y: yBottom}, driver.Point{X: x, Y: yTop}, false)
	case driver.DirectionDown:
		return d.Scroll(ctx, driver.Point{X: x, Y: yTop}, driver.Point{X: x, Y: yBottom}, false)
	default:
		return fmt.Errorf("unknown swipe direction: %s", dir)
	}
}

func (d *Driver) PressButton(ctx context.Context, name string) error {
	return d.client.PressButton(ctx, name)
}

func (d *Driver) SendKeys(ctx context.Context, text string) error {
	return d.client.SendKeys(ctx, text)
}

// ScreenWidth prefers the status bar width and falls back to the window
// size when the status bar reports zero (full-screen apps)
func (d *Driver) ScreenWidth(ctx context.Context) (int, error) {
	width, _, err := d.client.ScreenInfo(ctx)
	if err == nil && width > 0 {
		return width, nil
	}

	width, _, werr := d.client.WindowSize(ctx)
	if werr != nil {
		if err != nil {
			return 0, err
		}
		return 0, werr
	}
	return width, nil
}

func (d *Driver) UpdateSettings(ctx context.Context, settings map[string]interface{}) error {
	return d.client.UpdateSettings(ctx, settings)
}

// spawn starts the automation-server launcher for this device
func (d *Driver) spawn() error {
	if d.opts.AgentPath == "" {
		return fmt.Errorf("no agent path configured")
	}

	cmd := exec.Command(d.opts.AgentPath,
		"--udid", d.udid,
		"--port", strconv.Itoa(d.opts.ServerPort))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn automation server: %w", err)
	}

	d.cmd = cmd
	d.logger.Info().Int("pid", cmd.Process.Pid).Int("port", d.opts.ServerPort).Msg("automation server spawned")
	return nil
}

// waitReady polls the status endpoint until the server answers
func (d *Driver) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(startupTimeout)
	for {
		if err := d.client.Status(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("automation server did not become ready within %s", startupTimeout)
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
