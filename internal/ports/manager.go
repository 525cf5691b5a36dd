package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Common errors
var (
	// ErrExhausted is returned when no free port could be locked in the
	// configured range after all retries.
	ErrExhausted = errors.New("no free port available in range")
)

const (
	// staleAfter is the age past which an existing lock file is considered
	// abandoned by a crashed process and may be reclaimed.
	staleAfter = 30 * time.Minute

	acquireAttempts = 3
)

// Lease represents a held port lock. The lock file's existence is the sole
// source of truth for "this port is taken"; the in-memory lease only
// remembers what to delete on release.
type Lease struct {
	Port       int
	LockFileID string
	AcquiredAt time.Time

	path string
}

// Manager allocates TCP ports from a configured range, using an on-disk
// exclusive lock file per port so that concurrently running gateway
// processes never hand out the same port.
type Manager struct {
	rangeStart       int
	rangeEnd         int
	lockDir          string
	preferSequential bool
}

// NewManager creates a port lease manager over an inclusive range
func NewManager(rangeStart, rangeEnd int, lockDir string, preferSequential bool) (*Manager, error) {
	if rangeStart > rangeEnd {
		return nil, fmt.Errorf("invalid port range: %d-%d", rangeStart, rangeEnd)
	}

	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	return &Manager{
		rangeStart:       rangeStart,
		rangeEnd:         rangeEnd,
		lockDir:          lockDir,
		preferSequential: preferSequential,
	}, nil
}

// Acquire locks a free port from the range. The whole scan is retried up
// to 3 times with exponential backoff before giving up.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	backoff := time.Second

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		lease, err := m.scan()
		if err == nil {
			return lease, nil
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("range_start", m.rangeStart).
			Int("range_end", m.rangeEnd).
			Msg("port acquire attempt failed")
	}

	return nil, ErrExhausted
}

// Release deletes the lock file. A missing file is not an error: release
// must be safe to call on every unwind path.
func (m *Manager) Release(lease *Lease) error {
	if lease == nil {
		return nil
	}

	path := lease.path
	if path == "" {
		path = m.lockPath(lease.Port)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file for port %d: %w", lease.Port, err)
	}
	return nil
}

// scan walks the range once, trying to lock the first free port
func (m *Manager) scan() (*Lease, error) {
	start := m.rangeStart
	if m.preferSequential {
		if highest, ok := m.highestLocked(); ok && highest+1 > start {
			start = highest + 1
		}
	}

	for port := start; port <= m.rangeEnd; port++ {
		if !portFree(port) {
			continue
		}

		lease, err := m.lock(port)
		if err == nil {
			return lease, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		// Lock exists: reclaim it when stale, otherwise move on.
		if m.reclaimStale(port) {
			lease, err = m.lock(port)
			if err == nil {
				return lease, nil
			}
		}
	}

	return nil, ErrExhausted
}

// lock exclusively creates the per-port lock file
func (m *Manager) lock(port int) (*Lease, error) {
	path := m.lockPath(port)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	fmt.Fprintf(f, "%s %d\n", id, os.Getpid())
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &Lease{
		Port:       port,
		LockFileID: id,
		AcquiredAt: time.Now(),
		path:       path,
	}, nil
}

// reclaimStale deletes the lock file for port when it is older than the
// staleness threshold. Returns true when the lock was removed.
func (m *Manager) reclaimStale(port int) bool {
	path := m.lockPath(port)
	info, err := os.Stat(path)
	if err != nil {
		// Racing release by the owner also frees the port.
		return os.IsNotExist(err)
	}

	if time.Since(info.ModTime()) < staleAfter {
		return false
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Int("port", port).Msg("failed to reclaim stale port lock")
		return false
	}

	log.Info().Int("port", port).Msg("reclaimed stale port lock")
	return true
}

// highestLocked returns the highest port number with a lock file present
func (m *Manager) highestLocked() (int, bool) {
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		return 0, false
	}

	highest := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".lock") {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSuffix(name, ".lock"))
		if err != nil {
			continue
		}
		if port > highest {
			highest = port
		}
	}

	return highest, highest > 0
}

func (m *Manager) lockPath(port int) string {
	return filepath.Join(m.lockDir, fmt.Sprintf("%d.lock", port))
}

// portFree probes whether the OS port can be bound
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
