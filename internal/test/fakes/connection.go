// Package fakes provides in-memory test doubles for the collaborator
// interfaces in pkg/interfaces.
package fakes

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"nearby/pkg/interfaces"
)

// ErrClosed is returned by FakeConnection.WriteJSON after Close.
var ErrClosed = errors.New("fake connection closed")

// Connection records every message written to it.
type Connection struct {
	mu       sync.Mutex
	id       string
	userID   string
	open     bool
	lastSeen time.Time
	sent     []interface{}
	pings    int
	closes   int
	writeErr error
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection returns an open connection last seen now.
func NewConnection() *Connection {
	return &Connection{
		id:       uuid.NewString(),
		open:     true,
		lastSeen: time.Now(),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *Connection) Ping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.pings++
	return true
}

func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closes++
	return nil
}

func (c *Connection) GetUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// SetLastSeen backdates liveness for sweep tests.
func (c *Connection) SetLastSeen(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = t
}

// FailWrites makes every subsequent WriteJSON return err.
func (c *Connection) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Sent returns a copy of the messages written so far.
func (c *Connection) Sent() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.sent))
	copy(out, c.sent)
	return out
}

// Last returns the most recent message, or nil.
func (c *Connection) Last() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// Pings returns how many probes were accepted.
func (c *Connection) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closes returns how many times Close was called.
func (c *Connection) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
