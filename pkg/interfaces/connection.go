package interfaces

import "time"

// Connection is a live bidirectional client connection as seen by the
// registry, the dispatcher, and the heartbeat sweep.
type Connection interface {
	// ID uniquely identifies this connection instance, independent of the
	// user bound to it.
	ID() string

	// WriteJSON queues v for delivery. Safe for concurrent use.
	WriteJSON(v interface{}) error

	// Ping requests a liveness probe without blocking. It returns false when
	// the probe could not be queued.
	Ping() bool

	// IsOpen reports whether the connection can still carry traffic.
	IsOpen() bool

	// Touch records inbound activity.
	Touch()

	// LastSeen returns the time of the most recent inbound activity.
	LastSeen() time.Time

	// Close tears the connection down. Idempotent.
	Close() error

	// GetUserID returns the user bound by registration, or "".
	GetUserID() string

	// SetUserID binds the connection to a user.
	SetUserID(userID string)
}
