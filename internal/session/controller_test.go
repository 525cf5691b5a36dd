package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-server/devicelab-gateway/internal/broker"
	"github.com/devicelab-server/devicelab-gateway/internal/driver"
	"github.com/devicelab-server/devicelab-gateway/internal/models"
	"github.com/devicelab-server/devicelab-gateway/internal/ports"
)

type fakeBroker struct {
	mu         sync.Mutex
	reserves   int
	releases   int
	reserveErr error
	device     *models.DeviceInfo
}

func (b *fakeBroker) Reserve(ctx context.Context, udid, userAgent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserveErr != nil {
		return b.reserveErr
	}
	b.reserves++
	return nil
}

func (b *fakeBroker) Release(ctx context.Context, udid, userAgent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBroker) GetDevice(ctx context.Context, udid string) (*models.DeviceInfo, error) {
	if b.device == nil {
		return &models.DeviceInfo{UDID: udid}, nil
	}
	return b.device, nil
}

func (b *fakeBroker) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserves, b.releases
}

type fakeAllocator struct {
	mu         sync.Mutex
	next       int
	acquired   int
	released   int
	acquireErr error
}

func (a *fakeAllocator) Acquire(ctx context.Context) (*ports.Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acquireErr != nil {
		return nil, a.acquireErr
	}
	a.acquired++
	a.next++
	return &ports.Lease{Port: 38000 + a.next}, nil
}

func (a *fakeAllocator) Release(lease *ports.Lease) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
	return nil
}

func (a *fakeAllocator) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired, a.released
}

type fakeDriver struct {
	mu           sync.Mutex
	calls        []string
	startErr     error
	notInstalled bool
	active       string
}

func (d *fakeDriver) call(name string) {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
}

func (d *fakeDriver) callList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDriver) Start(ctx context.Context) error { d.call("start"); return d.startErr }
func (d *fakeDriver) Stop(ctx context.Context) error  { d.call("stop"); return nil }
func (d *fakeDriver) Unlock(ctx context.Context) error {
	d.call("unlock")
	return nil
}
func (d *fakeDriver) Lock(ctx context.Context) error      { d.call("lock"); return nil }
func (d *fakeDriver) PressHome(ctx context.Context) error { d.call("home"); return nil }
func (d *fakeDriver) ActiveApp(ctx context.Context) (string, error) {
	d.call("active_app")
	return d.active, nil
}
func (d *fakeDriver) HomeApp() string { return "launcher" }
func (d *fakeDriver) IsAppInstalled(ctx context.Context, appKey string) (bool, error) {
	d.call("installed:" + appKey)
	return !d.notInstalled, nil
}
func (d *fakeDriver) LaunchApp(ctx context.Context, appKey string) error {
	d.call("launch:" + appKey)
	return nil
}
func (d *fakeDriver) ActivateApp(ctx context.Context, appKey string) error {
	d.call("activate:" + appKey)
	return nil
}
func (d *fakeDriver) TerminateApp(ctx context.Context, appKey string) error {
	d.call("terminate:" + appKey)
	return nil
}
func (d *fakeDriver) Tap(ctx context.Context, p driver.Point) error {
	d.call(fmt.Sprintf("tap:%d,%d", p.X, p.Y))
	return nil
}
func (d *fakeDriver) LongTap(ctx context.Context, p driver.Point) error {
	d.call("long_tap")
	return nil
}
func (d *fakeDriver) Scroll(ctx context.Context, from, to driver.Point, holdAtStart bool) error {
	d.call("scroll")
	return nil
}
func (d *fakeDriver) Swipe(ctx context.Context, dir driver.Direction) error {
	d.call("swipe:" + string(dir))
	return nil
}
func (d *fakeDriver) PressButton(ctx context.Context, name string) error {
	d.call("button:" + name)
	return nil
}
func (d *fakeDriver) SendKeys(ctx context.Context, text string) error {
	d.call("keys:" + text)
	return nil
}
func (d *fakeDriver) ScreenWidth(ctx context.Context) (int, error) {
	d.call("width")
	return 1080, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []*models.EventLog
}

func (r *fakeRecorder) Record(entry *models.EventLog) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *fakeRecorder) list() []*models.EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.EventLog, len(r.entries))
	copy(out, r.entries)
	return out
}

func newTestController(fb *fakeBroker, fa *fakeAllocator, fd *fakeDriver) *Controller {
	return NewController(Options{
		UDID:      "udid-1",
		Platform:  models.PlatformAndroid,
		AppKey:    "com.example.app",
		UserAgent: "operator-a",
		Broker:    fb,
		Ports:     fa,
		NewDriver: func(leases []*ports.Lease, _ *models.DeviceInfo) (driver.Driver, error) {
			return fd, nil
		},
		PortCount:        2,
		HeartbeatTimeout: time.Minute,
		QuiescenceDelay:  20 * time.Millisecond,
		TeardownSettle:   time.Millisecond,
	})
}

func TestControllerStartHappyPath(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, models.StateReady, c.State())

	reserves, _ := fb.counts()
	assert.Equal(t, 1, reserves)
	acquired, _ := fa.counts()
	assert.Equal(t, 2, acquired)

	calls := fd.callList()
	assert.Contains(t, calls, "unlock")
	assert.Contains(t, calls, "installed:com.example.app")
	assert.Contains(t, calls, "launch:com.example.app")
	assert.Contains(t, calls, "activate:com.example.app")

	info := c.Info()
	assert.Len(t, info.LeasedPorts, 2)

	c.Stop(context.Background())
}

func TestControllerStopReleasesEverythingOnce(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, models.StateStopped, c.State())

	_, releases := fb.counts()
	assert.Equal(t, 1, releases)
	acquired, released := fa.counts()
	assert.Equal(t, acquired, released)
	assert.Contains(t, fd.callList(), "stop")
}

func TestControllerReserveFailureLeasesNothing(t *testing.T) {
	fb := &fakeBroker{reserveErr: &broker.Error{Kind: broker.KindBusy, HolderUserAgent: "operator-b"}}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, broker.KindBusy, broker.KindOf(errors.Unwrap(err)))
	assert.Equal(t, models.StateError, c.State())

	acquired, _ := fa.counts()
	assert.Equal(t, 0, acquired)
	_, releases := fb.counts()
	assert.Equal(t, 0, releases)
}

func TestControllerPortFailureReleasesReservation(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{acquireErr: ports.ErrExhausted}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ports.ErrExhausted)
	assert.Equal(t, models.StateError, c.State())

	_, releases := fb.counts()
	assert.Equal(t, 1, releases)
}

func TestControllerSetupFailureTearsDown(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{notInstalled: true}
	c := newTestController(fb, fa, fd)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.StateError, c.State())

	_, releases := fb.counts()
	assert.Equal(t, 1, releases)
	acquired, released := fa.counts()
	assert.Equal(t, acquired, released)
}

func TestControllerCommandsReachDriver(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	require.NoError(t, c.Tap(driver.Point{X: 10, Y: 20}))
	require.NoError(t, c.SendKeys("hello"))

	assert.Eventually(t, func() bool {
		calls := fd.callList()
		var tapped, typed bool
		for _, call := range calls {
			if call == "tap:10,20" {
				tapped = true
			}
			if call == "keys:hello" {
				typed = true
			}
		}
		return tapped && typed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestControllerCommandAfterStop(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	assert.ErrorIs(t, c.Tap(driver.Point{X: 1, Y: 1}), ErrStopped)
}

func TestControllerDetachQuiescence(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))

	c.Detach()
	assert.Eventually(t, func() bool {
		return c.State() == models.StateStopped
	}, time.Second, 10*time.Millisecond)
}

func TestControllerReattachCancelsQuiescence(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	c.Detach()
	require.NoError(t, c.Reattach(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.StateReady, c.State())
}

func TestControllerStatusStream(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	states := map[models.SessionState]bool{}
	codes := map[models.StatusCode]bool{}
	deadline := time.After(time.Second)
	for !states[models.StateReady] {
		select {
		case ev := <-events:
			states[ev.State] = true
			if ev.Code != "" {
				codes[ev.Code] = true
			}
		case <-deadline:
			t.Fatal("ready state never streamed")
		}
	}

	assert.True(t, states[models.StateSettingUp])
	assert.True(t, codes[models.CodeSetUp])
	assert.True(t, codes[models.CodeEndSetUp])
}

func TestControllerSetupAppCycleOrder(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	var appCalls []string
	for _, call := range fd.callList() {
		if strings.HasSuffix(call, ":com.example.app") {
			appCalls = append(appCalls, call)
		}
	}
	assert.Equal(t, []string{
		"installed:com.example.app",
		"launch:com.example.app",
		"terminate:com.example.app",
		"launch:com.example.app",
		"activate:com.example.app",
	}, appCalls)
}

func TestControllerStopClosesStatusStream(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("status stream never closed")
		}
	}
}

func TestControllerStartFailureClosesStatusStream(t *testing.T) {
	fb := &fakeBroker{reserveErr: &broker.Error{Kind: broker.KindBusy}}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	c := newTestController(fb, fa, fd)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.Error(t, c.Start(context.Background()))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("status stream never closed")
		}
	}
}

func TestControllerRecordsStatusCodes(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}
	rec := &fakeRecorder{}

	c := NewController(Options{
		UDID:      "udid-1",
		Platform:  models.PlatformAndroid,
		AppKey:    "com.example.app",
		UserAgent: "operator-a",
		Broker:    fb,
		Ports:     fa,
		NewDriver: func(leases []*ports.Lease, _ *models.DeviceInfo) (driver.Driver, error) {
			return fd, nil
		},
		PortCount:        1,
		HeartbeatTimeout: time.Minute,
		QuiescenceDelay:  time.Second,
		TeardownSettle:   time.Millisecond,
		Recorder:         rec,
	})

	require.NoError(t, c.Start(context.Background()))
	c.Stop(context.Background())

	var settingUpCode string
	for _, entry := range rec.list() {
		if entry.Type == models.EventTypeStateChange && entry.Description == string(models.StateSettingUp) {
			settingUpCode = entry.Code
		}
	}
	assert.Equal(t, string(models.CodeSetUp), settingUpCode)
}

func TestControllerHeartbeatLossStopsSession(t *testing.T) {
	fb := &fakeBroker{}
	fa := &fakeAllocator{}
	fd := &fakeDriver{}

	c := NewController(Options{
		UDID:      "udid-1",
		Platform:  models.PlatformAndroid,
		UserAgent: "operator-a",
		Broker:    fb,
		Ports:     fa,
		NewDriver: func(leases []*ports.Lease, _ *models.DeviceInfo) (driver.Driver, error) {
			return fd, nil
		},
		HeartbeatTimeout: 50 * time.Millisecond,
		QuiescenceDelay:  time.Second,
		TeardownSettle:   time.Millisecond,
	})

	require.NoError(t, c.Start(context.Background()))

	// The watcher polls once a second, so expiry lands on the first tick.
	assert.Eventually(t, func() bool {
		return c.State() == models.StateStopped
	}, 3*time.Second, 50*time.Millisecond)

	_, releases := fb.counts()
	assert.Equal(t, 1, releases)
}
