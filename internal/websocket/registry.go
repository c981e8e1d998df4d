package websocket

import (
	"sync"

	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// Registry maps a user ID to its live connection. All access goes through
// an RWMutex; ForEach iterates a snapshot so callbacks may call back into
// the registry.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]interfaces.Connection)}
}

// Register binds userID to conn. A previous binding is overwritten and the
// previous connection is left open; closing it is the caller's decision.
func (r *Registry) Register(userID string, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !types.IsValidUserID(userID) {
		return ErrInvalidUserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[userID] = conn
	return nil
}

// Unregister removes any binding for userID. Idempotent.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, userID)
}

// UnregisterConnection removes the binding only if it still points at conn,
// so a stale connection cannot evict its replacement. It reports whether
// anything was removed.
func (r *Registry) UnregisterConnection(userID string, conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[userID]
	if !exists || registered.ID() != conn.ID() {
		return false
	}
	delete(r.connections, userID)
	return true
}

// Lookup returns the connection bound to userID.
func (r *Registry) Lookup(userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[userID]
	return conn, ok
}

// ForEach calls fn for every binding present when the call started.
func (r *Registry) ForEach(fn func(userID string, conn interfaces.Connection)) {
	type entry struct {
		userID string
		conn   interfaces.Connection
	}

	r.mu.RLock()
	snapshot := make([]entry, 0, len(r.connections))
	for userID, conn := range r.connections {
		snapshot = append(snapshot, entry{userID: userID, conn: conn})
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		fn(e.userID, e.conn)
	}
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	open := 0
	for _, conn := range r.connections {
		if conn.IsOpen() {
			open++
		}
	}
	return map[string]int{
		"registered_users": len(r.connections),
		"open_connections": open,
	}
}
