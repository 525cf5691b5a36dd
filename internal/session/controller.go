// Package session implements the per-device session lifecycle: broker
// reservation, port leasing, driver startup, device setup, serialized
// command execution, liveness supervision and ordered teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/driver"
	"github.com/devicelab-server/devicelab-gateway/internal/models"
	"github.com/devicelab-server/devicelab-gateway/internal/ports"
)

// teardownTimeout bounds the whole restore-and-release sequence so a hung
// device can never wedge the gateway.
const teardownTimeout = 60 * time.Second

// Broker arbitrates exclusive device access across gateways
type Broker interface {
	Reserve(ctx context.Context, udid, userAgent string) error
	Release(ctx context.Context, udid, userAgent string) error
	GetDevice(ctx context.Context, udid string) (*models.DeviceInfo, error)
}

// PortAllocator leases local TCP ports for driver processes
type PortAllocator interface {
	Acquire(ctx context.Context) (*ports.Lease, error)
	Release(lease *ports.Lease) error
}

// EventSink receives the live status stream (transport forwarders)
type EventSink interface {
	Publish(ev models.StatusEvent)
}

// Recorder persists session event log entries
type Recorder interface {
	Record(entry *models.EventLog)
}

// DriverFactory builds the platform driver once ports are leased. device is
// nil unless the platform needs the broker's device record.
type DriverFactory func(leases []*ports.Lease, device *models.DeviceInfo) (driver.Driver, error)

// Options configures one session controller
type Options struct {
	UDID      string
	Platform  models.Platform
	AppKey    string
	UserAgent string

	Broker    Broker
	Ports     PortAllocator
	NewDriver DriverFactory

	// PortCount is the number of ports to lease before building the driver.
	// NeedsDeviceInfo requests the broker device record for the factory.
	PortCount       int
	NeedsDeviceInfo bool

	HeartbeatTimeout time.Duration
	QuiescenceDelay  time.Duration
	TeardownSettle   time.Duration

	Sinks    []EventSink
	Recorder Recorder
}

// Controller owns one device session end to end. All device mutations flow
// through its command queue; lifecycle transitions are serialized by the
// internal mutex and teardown runs at most once.
type Controller struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue     *Queue
	heartbeat *Heartbeat
	procWatch *ProcessWatch

	mu          sync.Mutex
	state       models.SessionState
	leases      []*ports.Lease
	drv         driver.Driver
	device      *models.DeviceInfo
	screenWidth int
	startedAt   time.Time
	detachTimer *time.Timer
	subscribers map[chan models.StatusEvent]struct{}

	stopOnce sync.Once
}

// NewController creates a controller for one device session
func NewController(opts Options) *Controller {
	return &Controller{
		opts:        opts,
		logger:      log.With().Str("udid", opts.UDID).Str("platform", string(opts.Platform)).Logger(),
		state:       models.StateStarting,
		subscribers: make(map[chan models.StatusEvent]struct{}),
	}
}

// Start runs the full session bring-up: reservation, port leases, driver
// start, liveness supervision and device setup. Any failure unwinds every
// resource acquired so far and leaves the controller in a terminal state.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.setState(models.StateStarting, "", "starting session", "")
	c.record(models.EventTypeSessionStart, models.EventLevelInfo, "", "session start requested", models.Variables{
		"app_key":    c.opts.AppKey,
		"user_agent": c.opts.UserAgent,
	})

	if err := c.opts.Broker.Reserve(ctx, c.opts.UDID, c.opts.UserAgent); err != nil {
		c.record(models.EventTypeBrokerError, models.EventLevelError, "", err.Error(), nil)
		c.failStart(err, false)
		return fmt.Errorf("reserve device: %w", err)
	}

	for i := 0; i < c.opts.PortCount; i++ {
		lease, err := c.opts.Ports.Acquire(ctx)
		if err != nil {
			c.failStart(err, true)
			return fmt.Errorf("lease port: %w", err)
		}
		c.mu.Lock()
		c.leases = append(c.leases, lease)
		c.mu.Unlock()
	}

	if c.opts.NeedsDeviceInfo {
		device, err := c.opts.Broker.GetDevice(ctx, c.opts.UDID)
		if err != nil {
			c.record(models.EventTypeBrokerError, models.EventLevelError, "", err.Error(), nil)
			c.failStart(err, true)
			return fmt.Errorf("fetch device record: %w", err)
		}
		c.mu.Lock()
		c.device = device
		c.mu.Unlock()
	}

	drv, err := c.opts.NewDriver(c.snapshotLeases(), c.device)
	if err != nil {
		c.failStart(err, true)
		return fmt.Errorf("build driver: %w", err)
	}
	c.mu.Lock()
	c.drv = drv
	c.mu.Unlock()

	if err := drv.Start(ctx); err != nil {
		if serr := drv.Stop(context.Background()); serr != nil {
			c.logger.Warn().Err(serr).Msg("driver stop after failed start")
		}
		c.failStart(err, true)
		return fmt.Errorf("start driver: %w", err)
	}

	c.setState(models.StateStarted, "", "driver started", "")

	c.heartbeat = NewHeartbeat(c.opts.HeartbeatTimeout, c.onHeartbeatLost)
	c.heartbeat.Start(c.ctx)

	c.queue = NewQueue(c.commandBegan, c.commandEnded)
	c.queue.Start(c.ctx)

	if pb, ok := drv.(driver.ProcessBacked); ok {
		pid, err := pb.ProcessID(ctx)
		if err != nil || pid == 0 {
			if err == nil {
				err = fmt.Errorf("driver process not found after start")
			}
			c.shutdown(models.StateError, "driver process lost", err)
			return err
		}
		c.procWatch = NewProcessWatch(pb.ProcessID, c.onProcessLost)
		c.procWatch.Start(c.ctx, pid)
	}

	if err := c.setup(ctx); err != nil {
		c.record(models.EventTypeSetupFailed, models.EventLevelError, models.CodeSetUp, err.Error(), nil)
		c.shutdown(models.StateError, "device setup failed", err)
		return fmt.Errorf("device setup: %w", err)
	}

	return nil
}

// setup drives the device into a known state: screen on, stray apps
// dismissed, requested app foregrounded. Any step failure aborts the
// session; a half-set-up device is worse than a failed start.
func (c *Controller) setup(ctx context.Context) error {
	c.setState(models.StateSettingUp, models.CodeSetUp, "setting up device", "")

	if err := c.drv.Unlock(ctx); err != nil {
		return fmt.Errorf("unlock screen: %w", err)
	}
	c.emit(models.CodeSetUpScreen, "screen on", "")

	// Dismiss whatever the previous user left in the foreground.
	if active, err := c.drv.ActiveApp(ctx); err == nil && active != "" && active != c.drv.HomeApp() {
		if terr := c.drv.TerminateApp(ctx, active); terr != nil {
			c.logger.Warn().Err(terr).Str("app", active).Msg("failed to dismiss foreground app")
		}
	}

	for i := 0; i < 2; i++ {
		if err := c.drv.PressHome(ctx); err != nil {
			return fmt.Errorf("press home: %w", err)
		}
	}

	if c.opts.AppKey != "" {
		installed, err := c.drv.IsAppInstalled(ctx, c.opts.AppKey)
		if err != nil {
			return fmt.Errorf("check app %s: %w", c.opts.AppKey, err)
		}
		if !installed {
			return fmt.Errorf("app %s is not installed", c.opts.AppKey)
		}

		// The backend can drop an app's first launch request. Launch and
		// kill it once so the launch that follows always lands.
		if err := c.drv.LaunchApp(ctx, c.opts.AppKey); err != nil {
			c.logger.Debug().Err(err).Str("app", c.opts.AppKey).Msg("pre-launch")
		}
		if err := c.drv.TerminateApp(ctx, c.opts.AppKey); err != nil {
			c.logger.Debug().Err(err).Str("app", c.opts.AppKey).Msg("pre-launch terminate")
		}
		if err := c.drv.LaunchApp(ctx, c.opts.AppKey); err != nil {
			return fmt.Errorf("launch app %s: %w", c.opts.AppKey, err)
		}
		if err := c.drv.ActivateApp(ctx, c.opts.AppKey); err != nil {
			return fmt.Errorf("activate app %s: %w", c.opts.AppKey, err)
		}
	}

	if width, err := c.ScreenWidth(ctx); err == nil {
		c.emit(models.CodeDeviceInfo, strconv.Itoa(width), "")
	} else {
		c.logger.Warn().Err(err).Msg("failed to read screen width")
	}

	c.emit(models.CodeEndSetUp, "device ready", "")
	c.setState(models.StateReady, "", "", "")
	return nil
}

// Stop tears the session down and releases every held resource
func (c *Controller) Stop(ctx context.Context) error {
	c.shutdown(models.StateStopped, "session stopped", nil)
	return nil
}

// Touch defers the heartbeat deadline
func (c *Controller) Touch() {
	if c.heartbeat != nil {
		c.heartbeat.Touch()
	}
}

// Detach marks the operator connection as gone. The session survives a
// short quiescence window so a reconnecting operator picks it back up
// instead of paying a full restart.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() || c.detachTimer != nil {
		return
	}
	c.detachTimer = time.AfterFunc(c.opts.QuiescenceDelay, func() {
		c.shutdown(models.StateStopped, "operator disconnected", nil)
	})
}

// Reattach cancels a pending quiescence shutdown and re-runs device setup
// so the reconnecting operator starts from a known device state.
func (c *Controller) Reattach(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.detachTimer != nil {
		c.detachTimer.Stop()
		c.detachTimer = nil
	}
	ready := c.state == models.StateReady || c.state == models.StateInAction
	c.mu.Unlock()

	c.Touch()
	if !ready {
		return nil
	}

	if err := c.setup(ctx); err != nil {
		c.record(models.EventTypeSetupFailed, models.EventLevelError, models.CodeSetUp, err.Error(), nil)
		c.shutdown(models.StateError, "device setup failed", err)
		return fmt.Errorf("device setup: %w", err)
	}
	return nil
}

// State returns the current lifecycle state
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns an introspection snapshot of the session
func (c *Controller) Info() models.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := models.SessionInfo{
		UDID:      c.opts.UDID,
		Platform:  c.opts.Platform,
		State:     c.state,
		AppKey:    c.opts.AppKey,
		UserAgent: c.opts.UserAgent,
		StartedAt: c.startedAt,
	}
	for _, lease := range c.leases {
		info.LeasedPorts = append(info.LeasedPorts, lease.Port)
	}
	return info
}

// Subscribe registers a status stream consumer. The returned cancel must be
// called when the consumer goes away; slow consumers lose events rather
// than block the session.
func (c *Controller) Subscribe() (<-chan models.StatusEvent, func()) {
	ch := make(chan models.StatusEvent, 32)

	c.mu.Lock()
	if c.subscribers == nil {
		c.subscribers = make(map[chan models.StatusEvent]struct{})
	}
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

// closeSubscribers ends every status stream; consumers see the channel
// close and detach.
func (c *Controller) closeSubscribers() {
	c.mu.Lock()
	for ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
	c.mu.Unlock()
}

// Command entry points. Gestures are retryable on transient coordinate
// races; everything else fails straight through.

func (c *Controller) Tap(p driver.Point) error {
	return c.enqueueGesture("tap", func(ctx context.Context) error { return c.drv.Tap(ctx, p) })
}

func (c *Controller) LongTap(p driver.Point) error {
	return c.enqueueGesture("long_tap", func(ctx context.Context) error { return c.drv.LongTap(ctx, p) })
}

func (c *Controller) Scroll(from, to driver.Point, holdAtStart bool) error {
	return c.enqueueGesture("scroll", func(ctx context.Context) error {
		return c.drv.Scroll(ctx, from, to, holdAtStart)
	})
}

func (c *Controller) Swipe(dir driver.Direction) error {
	return c.enqueueGesture("swipe", func(ctx context.Context) error { return c.drv.Swipe(ctx, dir) })
}

func (c *Controller) PressButton(name string) error {
	return c.enqueue("press_button", func(ctx context.Context) error { return c.drv.PressButton(ctx, name) })
}

func (c *Controller) SendKeys(text string) error {
	return c.enqueue("send_keys", func(ctx context.Context) error { return c.drv.SendKeys(ctx, text) })
}

func (c *Controller) LaunchApp(appKey string) error {
	return c.enqueue("launch_app", func(ctx context.Context) error { return c.drv.LaunchApp(ctx, appKey) })
}

func (c *Controller) TerminateApp(appKey string) error {
	return c.enqueue("terminate_app", func(ctx context.Context) error { return c.drv.TerminateApp(ctx, appKey) })
}

func (c *Controller) Unlock() error {
	return c.enqueue("unlock", func(ctx context.Context) error { return c.drv.Unlock(ctx) })
}

func (c *Controller) Lock() error {
	return c.enqueue("lock", func(ctx context.Context) error { return c.drv.Lock(ctx) })
}

func (c *Controller) PressHome() error {
	return c.enqueue("press_home", func(ctx context.Context) error { return c.drv.PressHome(ctx) })
}

// ScreenWidth returns the device screen width, memoized for the session:
// the width only changes with rotation, and consumers tolerate the stale
// value better than a per-gesture round trip.
func (c *Controller) ScreenWidth(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.screenWidth > 0 {
		width := c.screenWidth
		c.mu.Unlock()
		return width, nil
	}
	drv := c.drv
	c.mu.Unlock()

	if drv == nil {
		return 0, ErrStopped
	}
	width, err := drv.ScreenWidth(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.screenWidth = width
	c.mu.Unlock()
	return width, nil
}

// UpdateSettings pushes backend settings directly, outside the queue
func (c *Controller) UpdateSettings(ctx context.Context, settings map[string]interface{}) error {
	c.mu.Lock()
	drv := c.drv
	c.mu.Unlock()

	if drv == nil {
		return ErrStopped
	}
	if su, ok := drv.(driver.SettingsUpdater); ok {
		return su.UpdateSettings(ctx, settings)
	}
	return nil
}

func (c *Controller) enqueue(name string, run func(ctx context.Context) error) error {
	return c.push(Command{Name: name, Run: run})
}

func (c *Controller) enqueueGesture(name string, run func(ctx context.Context) error) error {
	return c.push(Command{Name: name, Run: run, Retryable: driver.IsCoordinateRace})
}

func (c *Controller) push(cmd Command) error {
	c.mu.Lock()
	terminal := c.state.Terminal()
	q := c.queue
	c.mu.Unlock()

	if terminal || q == nil {
		return ErrStopped
	}
	return q.Push(cmd)
}

// commandBegan and commandEnded bracket queue execution with the
// InAction/EndAction status pair the operator UI keys off.
func (c *Controller) commandBegan(cmd Command) {
	c.mu.Lock()
	if c.state == models.StateReady {
		c.state = models.StateInAction
	}
	c.mu.Unlock()
	c.emitState(models.StateInAction, models.CodeInAction, cmd.Name, "")
}

func (c *Controller) commandEnded(cmd Command, err error) {
	if err != nil {
		c.record(models.EventTypeCommandFailed, models.EventLevelWarning, models.CodeEndAction, err.Error(), models.Variables{
			"command": cmd.Name,
		})
		c.emitState(models.StateInAction, models.CodeEndAction, fmt.Sprintf("%s failed", cmd.Name), err.Error())
	} else {
		c.emitState(models.StateInAction, models.CodeEndAction, cmd.Name, "")
	}

	c.mu.Lock()
	if c.state == models.StateInAction {
		c.state = models.StateReady
	}
	c.mu.Unlock()
}

func (c *Controller) onHeartbeatLost() {
	c.logger.Warn().Dur("timeout", c.opts.HeartbeatTimeout).Msg("heartbeat lost")
	c.record(models.EventTypeHeartbeatLost, models.EventLevelWarning, "", "no heartbeat within timeout", nil)
	// The watcher's loop is still unwinding; shutdown joins it, so run apart.
	go c.shutdown(models.StateStopped, "heartbeat lost", nil)
}

func (c *Controller) onProcessLost() {
	c.logger.Error().Msg("driver process lost")
	c.record(models.EventTypeProcessLost, models.EventLevelError, "", "driver process exited or restarted", nil)
	go c.shutdown(models.StateStopped, "driver process lost", errors.New("driver process exited or restarted"))
}

// failStart unwinds a partial bring-up. Only resources acquired before the
// failure are released; the driver (if any) was already stopped by the
// caller.
func (c *Controller) failStart(cause error, releaseReservation bool) {
	c.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		c.releaseLeases()
		if releaseReservation {
			if err := c.opts.Broker.Release(ctx, c.opts.UDID, c.opts.UserAgent); err != nil {
				c.logger.Warn().Err(err).Msg("failed to release reservation during unwind")
			}
		}
		if c.cancel != nil {
			c.cancel()
		}

		c.setState(models.StateError, "", OperatorMessage(cause), cause.Error())
		c.record(models.EventTypeSessionStop, models.EventLevelError, "", "session start failed", models.Variables{
			"error": cause.Error(),
		})
		c.closeSubscribers()
	})
}

// shutdown is the single teardown path for a running session. The settle
// pauses give in-flight gestures time to land before the device is
// restored, and again before the transport pipeline detaches.
func (c *Controller) shutdown(final models.SessionState, reason string, cause error) {
	c.stopOnce.Do(func() {
		c.logger.Info().Str("reason", reason).Msg("tearing down session")

		c.mu.Lock()
		timer := c.detachTimer
		c.detachTimer = nil
		c.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}

		if c.queue != nil {
			c.queue.Stop()
		}
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		if c.procWatch != nil {
			c.procWatch.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		time.Sleep(c.opts.TeardownSettle)
		c.restoreDevice(ctx)
		time.Sleep(c.opts.TeardownSettle)

		if c.drv != nil {
			if err := c.drv.Stop(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("driver stop failed")
			}
		}

		c.releaseLeases()

		if err := c.opts.Broker.Release(ctx, c.opts.UDID, c.opts.UserAgent); err != nil {
			c.record(models.EventTypeBrokerError, models.EventLevelWarning, "", err.Error(), nil)
		}

		if c.cancel != nil {
			c.cancel()
		}

		detail := ""
		if cause != nil {
			detail = cause.Error()
		}
		c.setState(final, "", reason, detail)
		c.record(models.EventTypeSessionStop, models.EventLevelInfo, "", reason, nil)
		c.closeSubscribers()
	})
}

// restoreDevice leaves the device presentable for the next user. Every step
// is best effort: a dying device must not block resource release.
func (c *Controller) restoreDevice(ctx context.Context) {
	if c.drv == nil {
		return
	}

	if c.opts.AppKey != "" {
		if err := c.drv.TerminateApp(ctx, c.opts.AppKey); err != nil {
			c.logger.Warn().Err(err).Str("app", c.opts.AppKey).Msg("failed to terminate app during teardown")
		}
	} else if active, err := c.drv.ActiveApp(ctx); err == nil && active != "" && active != c.drv.HomeApp() {
		if terr := c.drv.TerminateApp(ctx, active); terr != nil {
			c.logger.Warn().Err(terr).Str("app", active).Msg("failed to terminate app during teardown")
		}
	}

	if err := c.drv.PressHome(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to press home during teardown")
	}
	if err := c.drv.Lock(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to lock screen during teardown")
	}
}

func (c *Controller) releaseLeases() {
	c.mu.Lock()
	leases := c.leases
	c.leases = nil
	c.mu.Unlock()

	for _, lease := range leases {
		if err := c.opts.Ports.Release(lease); err != nil {
			c.logger.Warn().Err(err).Int("port", lease.Port).Msg("failed to release port lease")
		}
	}
}

// setState transitions the lifecycle state and publishes the change
func (c *Controller) setState(state models.SessionState, code models.StatusCode, text, detail string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.logger.Info().Str("state", string(state)).Str("text", text).Msg("session state changed")
	c.record(models.EventTypeStateChange, models.EventLevelInfo, code, string(state), nil)
	c.publish(state, code, text, detail)
}

// emit publishes a status code under the current state
func (c *Controller) emit(code models.StatusCode, text, detail string) {
	c.publish(c.State(), code, text, detail)
}

// emitState publishes a status event without recording a state change
func (c *Controller) emitState(state models.SessionState, code models.StatusCode, text, detail string) {
	c.publish(state, code, text, detail)
}

func (c *Controller) publish(state models.SessionState, code models.StatusCode, text, detail string) {
	ev := models.StatusEvent{
		UDID:   c.opts.UDID,
		State:  state,
		Code:   code,
		Text:   text,
		Detail: detail,
		Time:   time.Now(),
	}

	c.mu.Lock()
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	c.mu.Unlock()

	for _, sink := range c.opts.Sinks {
		sink.Publish(ev)
	}
}

func (c *Controller) record(t models.EventType, level models.EventLevel, code models.StatusCode, description string, details models.Variables) {
	if c.opts.Recorder == nil {
		return
	}
	c.opts.Recorder.Record(&models.EventLog{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		UDID:        c.opts.UDID,
		Platform:    c.opts.Platform,
		Type:        t,
		Level:       level,
		Code:        string(code),
		Description: description,
		Details:     details,
	})
}

func (c *Controller) snapshotLeases() []*ports.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ports.Lease, len(c.leases))
	copy(out, c.leases)
	return out
}
