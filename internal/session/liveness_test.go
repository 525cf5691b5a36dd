package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatFiresOnce(t *testing.T) {
	var fired int32
	h := NewHeartbeat(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	h.tick = 5 * time.Millisecond

	h.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestHeartbeatTouchDefersExpiry(t *testing.T) {
	var fired int32
	h := NewHeartbeat(50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	h.tick = 5 * time.Millisecond

	h.Start(context.Background())
	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		h.Touch()
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestHeartbeatStopSuppressesCallback(t *testing.T) {
	var fired int32
	h := NewHeartbeat(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	h.tick = 5 * time.Millisecond

	h.Start(context.Background())
	h.Stop()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestProcessWatchFiresOnExit(t *testing.T) {
	var pid int32 = 4242
	var fired int32

	w := NewProcessWatch(func(ctx context.Context) (int, error) {
		return int(atomic.LoadInt32(&pid)), nil
	}, func() { atomic.AddInt32(&fired, 1) })
	w.tick = 2 * time.Millisecond

	w.Start(context.Background(), 4242)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	atomic.StoreInt32(&pid, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestProcessWatchFiresOnRestart(t *testing.T) {
	var pid int32 = 100
	var fired int32

	w := NewProcessWatch(func(ctx context.Context) (int, error) {
		return int(atomic.LoadInt32(&pid)), nil
	}, func() { atomic.AddInt32(&fired, 1) })
	w.tick = 2 * time.Millisecond

	w.Start(context.Background(), 100)

	// A different pid under the same pattern is a restarted server, which
	// cannot carry the old session.
	atomic.StoreInt32(&pid, 101)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
