package proximity

import (
	"github.com/rs/zerolog"

	"nearby/internal/websocket"
	"nearby/pkg/interfaces"
)

// Dispatcher delivers notifications. Delivery is best effort: a target that
// is unregistered or closed is skipped, nothing is buffered or retried.
type Dispatcher struct {
	registry *websocket.Registry
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher resolving targets through registry.
func NewDispatcher(registry *websocket.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SendToUser writes msg to the connection registered for userID and reports
// whether it was queued.
func (d *Dispatcher) SendToUser(userID string, msg interface{}) bool {
	conn, ok := d.registry.Lookup(userID)
	if !ok {
		d.logger.Debug().Str("user_id", userID).Msg("target not connected, skipping")
		return false
	}
	return d.write(userID, conn, msg)
}

// Reply writes msg straight to conn, registered or not.
func (d *Dispatcher) Reply(conn interfaces.Connection, msg interface{}) bool {
	if conn == nil {
		return false
	}
	return d.write(conn.GetUserID(), conn, msg)
}

func (d *Dispatcher) write(userID string, conn interfaces.Connection, msg interface{}) bool {
	if !conn.IsOpen() {
		d.logger.Debug().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("target connection closed, skipping")
		return false
	}
	if err := conn.WriteJSON(msg); err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Str("conn_id", conn.ID()).Msg("failed to deliver notification")
		return false
	}
	return true
}
