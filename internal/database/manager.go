// Package database implements the identity and location stores on
// database/sql, for SQLite and PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	dbconfig "nearby/pkg/database"
	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

const writeQueueTimeout = 30 * time.Second

// Manager serves reads from the pool and funnels every write through a
// single goroutine, which keeps SQLite free of writer contention.
type Manager struct {
	db       *sql.DB
	driver   string
	logger   zerolog.Logger
	writeCh  chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var (
	_ interfaces.IdentityStore = (*Manager)(nil)
	_ interfaces.LocationStore = (*Manager)(nil)
	_ interfaces.HealthChecker = (*Manager)(nil)
)

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the configured database and starts the writer.
func NewManager(cfg *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewManagerWithDB(db, cfg.Driver, logger), nil
}

// NewManagerWithDB wraps an already open pool.
func NewManagerWithDB(db *sql.DB, driver string, logger zerolog.Logger) *Manager {
	m := &Manager{
		db:       db,
		driver:   driver,
		logger:   logger.With().Str("component", "database").Str("driver", driver).Logger(),
		writeCh:  make(chan writeOperation, 100),
		shutdown: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeCh:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			op.result <- op.operation(op.ctx, m.db)

		case <-m.shutdown:
			m.logger.Debug().Msg("write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(writeQueueTimeout)
	defer timer.Stop()

	select {
	case m.writeCh <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL. It also rewrites a ?
// inside a string literal, so queries must not contain one.
func (m *Manager) rebind(query string) string {
	if m.driver != dbconfig.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FindUser returns types.ErrUserNotFound when no row matches.
func (m *Manager) FindUser(ctx context.Context, userID string) (*types.User, error) {
	query := m.rebind(`SELECT id, email, display_name, created_at FROM users WHERE id = ?`)

	var u types.User
	err := m.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user record.
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := m.rebind(`INSERT INTO users (id, email, display_name, created_at) VALUES (?, ?, ?, ?)`)
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, query, user.ID, user.Email, user.DisplayName, user.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// GetLocation returns types.ErrLocationNotFound when the user has none.
func (m *Manager) GetLocation(ctx context.Context, userID string) (*types.PersistedLocation, error) {
	query := m.rebind(`SELECT user_id, latitude, longitude, updated_at FROM locations WHERE user_id = ?`)

	var loc types.PersistedLocation
	err := m.db.QueryRowContext(ctx, query, userID).Scan(&loc.UserID, &loc.Latitude, &loc.Longitude, &loc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrLocationNotFound
		}
		return nil, fmt.Errorf("failed to query location: %w", err)
	}
	return &loc, nil
}

// UpsertLocation creates the user's location row or overwrites it.
func (m *Manager) UpsertLocation(ctx context.Context, loc *types.PersistedLocation) error {
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}

	query := m.rebind(`
		INSERT INTO locations (user_id, latitude, longitude, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			updated_at = excluded.updated_at
	`)
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, query, loc.UserID, loc.Latitude, loc.Longitude, loc.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert location: %w", err)
		}
		return nil
	})
}

// CountLocations returns the number of persisted locations.
func (m *Manager) CountLocations(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}

// HealthCheck validates connectivity and that the users table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying pool for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Driver returns the database/sql driver name.
func (m *Manager) Driver() string {
	return m.driver
}

// Close stops the writer and closes the pool. Safe to call many times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
