package session

import (
	"context"
	"sync"
	"time"
)

const (
	drainInterval = 100 * time.Millisecond
	retryDelay    = 500 * time.Millisecond

	// commandRetries is the number of additional attempts after the first
	// failure of a retryable command.
	commandRetries = 2
)

// Command is one queued device operation. Run executes against the driver;
// Retryable, when set, marks failures worth retrying (transient coordinate
// races against a rotating screen).
type Command struct {
	Name      string
	Run       func(ctx context.Context) error
	Retryable func(err error) bool
}

// Queue serializes device commands: gestures overlap badly on both
// platforms, so at most one command is in flight and the rest wait in FIFO
// order. The drain loop wakes on a fixed interval rather than per-push so
// a burst of operator input coalesces into one ordered pass.
type Queue struct {
	tick  time.Duration
	delay time.Duration

	onBegin func(Command)
	onEnd   func(Command, error)

	mu      sync.Mutex
	pending []Command
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates a command queue. onBegin and onEnd bracket every command
// execution and may be nil.
func NewQueue(onBegin func(Command), onEnd func(Command, error)) *Queue {
	return &Queue{
		tick:    drainInterval,
		delay:   retryDelay,
		onBegin: onBegin,
		onEnd:   onEnd,
	}
}

// Start launches the drain loop
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx)
}

// Push appends a command to the queue
func (q *Queue) Push(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrStopped
	}
	q.pending = append(q.pending, cmd)
	return nil
}

// Len returns the number of queued commands not yet started
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop rejects further pushes and waits for the in-flight command to
// finish. Queued commands that have not started are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain runs every command queued at the moment of the tick, one at a time
func (q *Queue) drain(ctx context.Context) {
	for {
		cmd, ok := q.pop()
		if !ok {
			return
		}
		q.execute(ctx, cmd)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) pop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Command{}, false
	}
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	return cmd, true
}

// execute runs one command with the retry policy applied
func (q *Queue) execute(ctx context.Context, cmd Command) {
	if q.onBegin != nil {
		q.onBegin(cmd)
	}

	err := cmd.Run(ctx)
	for attempt := 0; attempt < commandRetries && err != nil && cmd.Retryable != nil && cmd.Retryable(err); attempt++ {
		select {
		case <-time.After(q.delay):
		case <-ctx.Done():
			if q.onEnd != nil {
				q.onEnd(cmd, ctx.Err())
			}
			return
		}
		err = cmd.Run(ctx)
	}

	if q.onEnd != nil {
		q.onEnd(cmd, err)
	}
}
