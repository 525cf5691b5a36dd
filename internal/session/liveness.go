package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	heartbeatInterval   = time.Second
	processPollInterval = 100 * time.Millisecond
)

// Heartbeat watches the operator connection's keepalive. When no Touch
// arrives within the timeout the expiry callback fires exactly once and the
// watcher stops itself.
type Heartbeat struct {
	timeout time.Duration
	tick    time.Duration

	onExpired func()

	mu   sync.Mutex
	last time.Time

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a heartbeat watcher
func NewHeartbeat(timeout time.Duration, onExpired func()) *Heartbeat {
	return &Heartbeat{
		timeout:   timeout,
		tick:      heartbeatInterval,
		onExpired: onExpired,
	}
}

// Start begins watching. The deadline starts counting from now.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()

	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.loop(ctx)
}

// Touch defers the expiry deadline
func (h *Heartbeat) Touch() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
}

// Stop cancels the watcher without firing the callback
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			expired := time.Since(h.last) > h.timeout
			h.mu.Unlock()

			if expired {
				h.once.Do(h.onExpired)
				return
			}
		}
	}
}

// ProcessWatch polls for the backing OS process of a driver. The callback
// fires exactly once when the process disappears or is replaced by a
// different pid; a restarted automation server cannot carry the old
// session.
type ProcessWatch struct {
	tick    time.Duration
	lookup  func(ctx context.Context) (int, error)
	onLost  func()
	basePid int

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessWatch creates a process watcher around the given pid lookup
func NewProcessWatch(lookup func(ctx context.Context) (int, error), onLost func()) *ProcessWatch {
	return &ProcessWatch{
		tick:   processPollInterval,
		lookup: lookup,
		onLost: onLost,
	}
}

// Start begins polling against the given baseline pid
func (w *ProcessWatch) Start(ctx context.Context, basePid int) {
	w.basePid = basePid
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop cancels the watcher without firing the callback
func (w *ProcessWatch) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *ProcessWatch) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pid, err := w.lookup(ctx)
			if err != nil {
				// A failed lookup is not evidence of death; skip the tick.
				log.Debug().Err(err).Msg("process poll failed")
				continue
			}
			if pid != w.basePid {
				w.once.Do(w.onLost)
				return
			}
		}
	}
}
