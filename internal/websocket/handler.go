package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

const (
	DefaultReadLimit = 4096
	DefaultPongWait  = 60 * time.Second
)

// MessageHandler receives decoded client frames. Implementations must not
// block the read pump for long; the hub queues work per user.
type MessageHandler interface {
	HandleRegister(conn interfaces.Connection, msg *types.RegisterMessage)
	HandleLocationUpdate(conn interfaces.Connection, msg *types.LocationUpdateMessage)
	HandleDisconnect(conn interfaces.Connection)
}

// HandlerOptions tunes the upgrade and read side.
type HandlerOptions struct {
	ReadLimit  int64
	PongWait   time.Duration
	Connection ConnectionOptions
}

// Handler upgrades HTTP requests and pumps frames into a MessageHandler.
type Handler struct {
	upgrader websocket.Upgrader
	messages MessageHandler
	opts     HandlerOptions
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*Connection
	wg     sync.WaitGroup
}

// NewHandler creates a handler delivering frames to messages.
func NewHandler(messages MessageHandler, opts HandlerOptions, logger zerolog.Logger) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		messages: messages,
		opts:     opts,
		logger:   logger.With().Str("component", "websocket_handler").Logger(),
		active:   make(map[string]*Connection),
	}
}

// HandleWebSocket upgrades the request. Identity is bound later by a
// register frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.opts.Connection, h.logger)

	h.mu.Lock()
	h.active[conn.ID()] = conn
	h.mu.Unlock()

	h.wg.Add(1)
	go h.readPump(conn)
}

// ServeHTTP lets the handler be mounted directly on a mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// readPump reads until the socket fails, then reports the disconnect.
func (h *Handler) readPump(conn *Connection) {
	logger := h.logger.With().Str("conn_id", conn.ID()).Logger()

	defer func() {
		h.messages.HandleDisconnect(conn)
		_ = conn.Close()

		h.mu.Lock()
		delete(h.active, conn.ID())
		h.mu.Unlock()
		h.wg.Done()
	}()

	conn.conn.SetReadLimit(h.opts.ReadLimit)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		conn.Touch()
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		// Any inbound frame counts as liveness, even one we reject below.
		conn.Touch()
		if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := types.ParseInbound(data)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", conn.GetUserID()).Msg("dropping malformed message")
			continue
		}

		switch m := msg.(type) {
		case *types.RegisterMessage:
			h.messages.HandleRegister(conn, m)
		case *types.LocationUpdateMessage:
			h.messages.HandleLocationUpdate(conn, m)
		}
	}
}

// ActiveConnections returns the number of upgraded sockets still pumping.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Shutdown closes every live socket and waits for their read pumps to
// finish, or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.active))
	for _, c := range h.active {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShutdownTimeout, ctx.Err())
	}
}
