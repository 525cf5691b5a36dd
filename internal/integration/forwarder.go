// Package integration forwards session status to external systems over
// NATS, so fleet dashboards and schedulers can observe device sessions
// without holding a connection to every gateway.
package integration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/models"
)

// StatusForwarder publishes session status events to per-device NATS
// subjects. It implements the session layer's event sink contract.
type StatusForwarder struct {
	nc *nats.Conn
}

// NewStatusForwarder creates a forwarder over an established connection
func NewStatusForwarder(nc *nats.Conn) *StatusForwarder {
	return &StatusForwarder{nc: nc}
}

// Publish sends one status event. Delivery is best effort: a slow or
// absent message bus must never stall a session.
func (f *StatusForwarder) Publish(ev models.StatusEvent) {
	subject := fmt.Sprintf("sessions.%s.status", ev.UDID)

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to marshal status event")
		return
	}

	if err := f.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("failed to publish status event")
	}
}

// Connect dials NATS with the reconnect policy used across the gateway
func Connect(url string, maxReconnects int, reconnectWait time.Duration) (*nats.Conn, error) {
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
