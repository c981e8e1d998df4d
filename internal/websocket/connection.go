package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nearby/pkg/interfaces"
)

const (
	DefaultSendBuffer   = 100
	DefaultWriteTimeout = 5 * time.Second
)

// ConnectionOptions tunes a Connection. Zero values fall back to defaults.
type ConnectionOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// Connection wraps a gorilla connection. All socket writes, including ping
// control frames, go through a single writer goroutine.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	pingCh       chan struct{}
	writeTimeout time.Duration
	lastSeen     atomic.Int64
	logger       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.RWMutex
	userID string
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection starts the writer goroutine for conn.
func NewConnection(conn *websocket.Conn, opts ConnectionOptions, logger zerolog.Logger) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:           id,
		conn:         conn,
		writeCh:      make(chan []byte, opts.SendBuffer),
		pingCh:       make(chan struct{}, 1),
		writeTimeout: opts.WriteTimeout,
		logger:       logger.With().Str("conn_id", id).Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.Touch()

	go c.writeLoop()

	return c
}

// writeLoop owns every write to the socket. A failed write closes the
// connection so readers and the sweep observe it as dead.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, closing connection")
				_ = c.Close()
				return
			}

		case <-c.pingCh:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed, closing connection")
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the per-connection UUID.
func (c *Connection) ID() string {
	return c.id
}

// WriteJSON marshals v and queues it, waiting at most the write timeout for
// room in the send queue.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Ping queues a ping control frame without blocking. It returns false when
// the connection is closed or a probe is already pending.
func (c *Connection) Ping() bool {
	if !c.IsOpen() {
		return false
	}
	select {
	case c.pingCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// IsOpen reports whether Close has not yet been called.
func (c *Connection) IsOpen() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame or pong.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close cancels the writer and closes the socket. Safe to call many times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
