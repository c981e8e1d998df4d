// Package hub sequences each user's location reports through a private
// mailbox and runs the heartbeat sweep over the connection registry.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nearby/internal/proximity"
	"nearby/internal/websocket"
	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMailboxSize       = 16
	DefaultReportTimeout     = 15 * time.Second
	disconnectTimeout        = 5 * time.Second
)

// Options tunes the hub. Zero values fall back to defaults; StaleAfter
// defaults to twice the heartbeat interval.
type Options struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	MailboxSize       int
	ReportTimeout     time.Duration
}

type jobKind int

const (
	jobReport jobKind = iota
	jobDisconnect
)

type job struct {
	kind   jobKind
	conn   interfaces.Connection
	report types.LocationReport
}

// mailbox is a FIFO of pending jobs for one user. A mailbox exists in
// Hub.mailboxes exactly while one drain goroutine owns it.
type mailbox struct {
	queue   []job
	reports int
}

// Hub implements websocket.MessageHandler. Reports for one user are
// processed strictly in arrival order by at most one goroutine; different
// users proceed in parallel. Disconnects go through the same mailbox so
// cleanup runs after any report still queued for that user.
type Hub struct {
	engine   *proximity.Engine
	registry *websocket.Registry
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	accepting bool
	mailboxes map[string]*mailbox
	drains    sync.WaitGroup

	stateMu  sync.RWMutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	loopDone chan struct{}
}

var _ websocket.MessageHandler = (*Hub)(nil)

// NewHub creates a stopped hub.
func NewHub(engine *proximity.Engine, registry *websocket.Registry, opts Options, logger zerolog.Logger) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.HeartbeatInterval
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = DefaultReportTimeout
	}
	return &Hub{
		engine:    engine,
		registry:  registry,
		opts:      opts,
		logger:    logger.With().Str("component", "hub").Logger(),
		now:       time.Now,
		mailboxes: make(map[string]*mailbox),
	}
}

// Start launches the heartbeat loop.
func (h *Hub) Start(ctx context.Context) error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.shutdown = make(chan struct{})
	h.loopDone = make(chan struct{})
	h.running = true

	h.mu.Lock()
	h.accepting = true
	h.mu.Unlock()

	h.logger.Info().Dur("heartbeat_interval", h.opts.HeartbeatInterval).Msg("starting hub")
	go h.run(h.ctx, h.shutdown, h.loopDone)
	return nil
}

// Stop rejects new reports, stops the heartbeat, and waits for queued work
// to drain or ctx to expire. In-flight work is cancelled on timeout.
func (h *Hub) Stop(ctx context.Context) error {
	h.stateMu.Lock()
	if !h.running {
		h.stateMu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	loopDone, cancel := h.loopDone, h.cancel
	h.stateMu.Unlock()

	h.logger.Info().Msg("stopping hub")
	<-loopDone

	h.mu.Lock()
	h.accepting = false
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		h.drains.Wait()
		close(drained)
	}()

	defer cancel()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrDrainTimeout, ctx.Err())
	}
}

// IsRunning reports whether Start has been called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep(ctx)
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleRegister binds the connection to the announced user.
func (h *Hub) HandleRegister(conn interfaces.Connection, msg *types.RegisterMessage) {
	if err := h.engine.Register(conn, msg.UserID); err != nil {
		h.logger.Warn().Err(err).Str("user_id", msg.UserID).Str("conn_id", conn.ID()).Msg("registration rejected")
	}
}

// HandleLocationUpdate queues the report on the sender's mailbox. Reports
// from a connection that has not registered, that claim another user's
// identity, or that has been replaced by a newer connection, are dropped.
func (h *Hub) HandleLocationUpdate(conn interfaces.Connection, msg *types.LocationUpdateMessage) {
	bound := conn.GetUserID()
	if bound == "" || bound != msg.UserID || !h.engine.IsCurrent(conn, msg.UserID) {
		h.logger.Warn().
			Err(proximity.ErrProtocol).
			Str("conn_id", conn.ID()).
			Str("bound_user_id", bound).
			Str("user_id", msg.UserID).
			Msg("dropping location update from unregistered, mismatched or replaced connection")
		return
	}

	err := h.enqueue(msg.UserID, job{kind: jobReport, conn: conn, report: msg.Report()})
	switch {
	case errors.Is(err, ErrMailboxFull):
		h.logger.Warn().Err(err).Str("user_id", msg.UserID).Msg("report rejected")
		h.engine.Dispatcher().Reply(conn, types.NewErrorMessage(proximity.MsgRateLimited))
	case err != nil:
		h.engine.Dispatcher().Reply(conn, types.NewErrorMessage(proximity.MsgServerError))
	}
}

// HandleDisconnect schedules cleanup for a closed connection.
func (h *Hub) HandleDisconnect(conn interfaces.Connection) {
	h.disconnect(conn)
}

func (h *Hub) disconnect(conn interfaces.Connection) {
	userID := conn.GetUserID()
	if userID == "" {
		return
	}
	if err := h.enqueue(userID, job{kind: jobDisconnect, conn: conn}); err == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	h.engine.Disconnect(ctx, conn)
}

// enqueue appends j to the user's mailbox, starting a drain goroutine if
// none is active. Only reports count against the mailbox bound.
func (h *Hub) enqueue(userID string, j job) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.accepting {
		return ErrHubNotRunning
	}

	mb, active := h.mailboxes[userID]
	if !active {
		mb = &mailbox{}
		h.mailboxes[userID] = mb
	}
	if j.kind == jobReport {
		if mb.reports >= h.opts.MailboxSize {
			return ErrMailboxFull
		}
		mb.reports++
	}
	mb.queue = append(mb.queue, j)

	if !active {
		h.drains.Add(1)
		go h.drain(userID, mb)
	}
	return nil
}

func (h *Hub) drain(userID string, mb *mailbox) {
	defer h.drains.Done()

	for {
		h.mu.Lock()
		if len(mb.queue) == 0 {
			delete(h.mailboxes, userID)
			h.mu.Unlock()
			return
		}
		j := mb.queue[0]
		mb.queue[0] = job{}
		mb.queue = mb.queue[1:]
		if j.kind == jobReport {
			mb.reports--
		}
		h.mu.Unlock()

		h.process(j)
	}
}

func (h *Hub) process(j job) {
	switch j.kind {
	case jobDisconnect:
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		h.engine.Disconnect(ctx, j.conn)

	case jobReport:
		// The connection may have been replaced while the report was queued.
		if !j.conn.IsOpen() || !h.engine.IsCurrent(j.conn, j.report.UserID) {
			return
		}
		ctx, cancel := context.WithTimeout(h.baseContext(), h.opts.ReportTimeout)
		defer cancel()
		if err := h.engine.ProcessLocationReport(ctx, j.conn, j.report); err != nil {
			h.logger.Debug().Err(err).Str("user_id", j.report.UserID).Msg("location report not completed")
		}
	}
}

func (h *Hub) baseContext() context.Context {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

// Sweep probes every registered connection. Closed connections, and open
// ones silent for longer than StaleAfter, are closed and cleaned up; the
// rest get a non-blocking ping. It returns how many were reaped.
func (h *Hub) Sweep(ctx context.Context) int {
	cutoff := h.now().Add(-h.opts.StaleAfter)
	reaped := 0

	h.registry.ForEach(func(userID string, conn interfaces.Connection) {
		if ctx.Err() != nil {
			return
		}
		if conn.IsOpen() && !conn.LastSeen().Before(cutoff) {
			if !conn.Ping() {
				h.logger.Debug().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("ping not queued")
			}
			return
		}

		h.logger.Info().
			Str("user_id", userID).
			Str("conn_id", conn.ID()).
			Bool("open", conn.IsOpen()).
			Time("last_seen", conn.LastSeen()).
			Msg("reaping dead connection")
		_ = conn.Close()
		h.disconnect(conn)
		reaped++
	})

	return reaped
}

// GetStats reports mailbox activity for monitoring.
func (h *Hub) GetStats() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	queued := 0
	for _, mb := range h.mailboxes {
		queued += len(mb.queue)
	}
	return map[string]int{
		"active_mailboxes": len(h.mailboxes),
		"queued_jobs":      queued,
	}
}
