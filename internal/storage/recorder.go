package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/models"
)

// recordTimeout bounds a single asynchronous insert.
const recordTimeout = 5 * time.Second

// Recorder adapts a Store to the session layer's fire-and-forget recording
// contract. Persistence failures are logged, never surfaced: event history
// is diagnostics, not session state.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder over the store
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record persists the entry asynchronously
func (r *Recorder) Record(entry *models.EventLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		if err := r.store.CreateEventLog(ctx, entry); err != nil {
			log.Warn().Err(err).Str("udid", entry.UDID).Str("type", string(entry.Type)).Msg("failed to persist event log")
		}
	}()
}
