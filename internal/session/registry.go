package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/driver"
	"github.com/devicelab-server/devicelab-gateway/internal/driver/android"
	"github.com/devicelab-server/devicelab-gateway/internal/driver/ios"
	"github.com/devicelab-server/devicelab-gateway/internal/models"
	"github.com/devicelab-server/devicelab-gateway/internal/ports"
)

// AndroidOptions configures the Android shell binding
type AndroidOptions struct {
	ADBPath      string
	CompanionIME string
}

// IOSOptions configures the iOS automation-server binding
type IOSOptions struct {
	AgentPath      string
	ProcessPattern string
	MJPEGPort      int
}

// RegistryOptions carries the shared dependencies for all sessions
type RegistryOptions struct {
	Broker   Broker
	Ports    PortAllocator
	Sinks    []EventSink
	Recorder Recorder

	HeartbeatTimeout time.Duration
	QuiescenceDelay  time.Duration
	TeardownSettle   time.Duration

	Android AndroidOptions
	IOS     IOSOptions
}

// Registry tracks at most one session per device udid and builds the
// platform-appropriate controller on attach.
type Registry struct {
	opts RegistryOptions

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewRegistry creates an empty session registry
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Controller),
	}
}

// Attach returns the session for the device, creating and starting one when
// none is live. A reconnecting operator (same user agent) rejoins the
// existing session; anyone else is turned away while it lives.
func (r *Registry) Attach(ctx context.Context, udid string, platform models.Platform, appKey, userAgent string) (*Controller, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[udid]; ok {
		if !existing.State().Terminal() {
			info := existing.Info()
			r.mu.Unlock()

			if info.UserAgent != userAgent {
				return nil, fmt.Errorf("%w: held by %s", ErrAlreadyStarted, info.UserAgent)
			}
			if err := existing.Reattach(ctx); err != nil {
				return nil, err
			}
			return existing, nil
		}
		delete(r.sessions, udid)
	}

	ctrl, err := r.newController(udid, platform, appKey, userAgent)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions[udid] = ctrl
	r.mu.Unlock()

	if err := ctrl.Start(ctx); err != nil {
		r.mu.Lock()
		if r.sessions[udid] == ctrl {
			delete(r.sessions, udid)
		}
		r.mu.Unlock()
		return nil, err
	}
	return ctrl, nil
}

// Get returns the live session for the device
func (r *Registry) Get(udid string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctrl, ok := r.sessions[udid]
	if !ok || ctrl.State().Terminal() {
		return nil, ErrNotFound
	}
	return ctrl, nil
}

// List returns a snapshot of all tracked sessions
func (r *Registry) List() []models.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SessionInfo, 0, len(r.sessions))
	for _, ctrl := range r.sessions {
		out = append(out, ctrl.Info())
	}
	return out
}

// Stop tears down the session for the device and forgets it
func (r *Registry) Stop(ctx context.Context, udid string) error {
	r.mu.Lock()
	ctrl, ok := r.sessions[udid]
	if ok {
		delete(r.sessions, udid)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return ctrl.Stop(ctx)
}

// StopAll tears down every session, used at process shutdown
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.sessions))
	for udid, ctrl := range r.sessions {
		ctrls = append(ctrls, ctrl)
		delete(r.sessions, udid)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ctrl := range ctrls {
		wg.Add(1)
		go func(ctrl *Controller) {
			defer wg.Done()
			if err := ctrl.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("session stop failed during shutdown")
			}
		}(ctrl)
	}
	wg.Wait()
}

// newController builds the platform-specific controller wiring
func (r *Registry) newController(udid string, platform models.Platform, appKey, userAgent string) (*Controller, error) {
	opts := Options{
		UDID:             udid,
		Platform:         platform,
		AppKey:           appKey,
		UserAgent:        userAgent,
		Broker:           r.opts.Broker,
		Ports:            r.opts.Ports,
		HeartbeatTimeout: r.opts.HeartbeatTimeout,
		QuiescenceDelay:  r.opts.QuiescenceDelay,
		TeardownSettle:   r.opts.TeardownSettle,
		Sinks:            r.opts.Sinks,
		Recorder:         r.opts.Recorder,
	}

	switch platform {
	case models.PlatformAndroid:
		// One leased port carries the adb forward to the on-device agent.
		opts.PortCount = 1
		opts.NewDriver = func(leases []*ports.Lease, _ *models.DeviceInfo) (driver.Driver, error) {
			if len(leases) != 1 {
				return nil, fmt.Errorf("android driver needs 1 leased port, got %d", len(leases))
			}
			channel := android.NewADBChannel(r.opts.Android.ADBPath, udid)
			return android.NewDriver(udid, channel, channel, android.Options{
				CompanionIME: r.opts.Android.CompanionIME,
				ForwardPort:  leases[0].Port,
			}), nil
		}

	case models.PlatformIOS:
		// Two leased ports: the automation server itself and its local
		// WebDriver/MJPEG proxy. The broker record supplies the on-device
		// agent address.
		opts.PortCount = 2
		opts.NeedsDeviceInfo = true
		opts.NewDriver = func(leases []*ports.Lease, device *models.DeviceInfo) (driver.Driver, error) {
			if len(leases) != 2 {
				return nil, fmt.Errorf("ios driver needs 2 leased ports, got %d", len(leases))
			}
			return ios.NewDriver(udid, ios.Options{
				AgentPath:      r.opts.IOS.AgentPath,
				ProcessPattern: r.opts.IOS.ProcessPattern,
				ServerPort:     leases[0].Port,
				LocalPort:      leases[1].Port,
				MJPEGPort:      r.opts.IOS.MJPEGPort,
				Device:         device,
			}), nil
		}

	default:
		return nil, fmt.Errorf("unsupported platform: %s", platform)
	}

	return NewController(opts), nil
}
