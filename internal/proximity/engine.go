// Package proximity runs the per-report pipeline: admission, validation,
// identity, geo index update, radius query, fan-out, and persistence.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nearby/internal/geo"
	"nearby/internal/ratelimit"
	"nearby/internal/retry"
	"nearby/internal/websocket"
	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

const (
	DefaultGeoKey        = "user_locations"
	DefaultRadiusMeters  = 10.0
	DefaultRetryAttempts = 3
	DefaultRetryBase     = time.Second

	releaseTimeout = 5 * time.Second
)

// Config holds the engine's tunables.
type Config struct {
	GeoKey                  string
	RadiusMeters            float64
	MovementThresholdMeters float64
}

// Dependencies are the collaborators an Engine owns references to.
type Dependencies struct {
	Registry  *websocket.Registry
	Limiter   *ratelimit.Limiter
	GeoIndex  interfaces.GeoIndex
	Identity  interfaces.IdentityStore
	Locations interfaces.LocationStore

	// IdentityRetry defaults to 3 attempts backing off from 1s.
	IdentityRetry *retry.Policy
}

// Engine processes location reports. It is safe for concurrent use, but
// reports for one user must be fed to it in order (see hub.Hub).
type Engine struct {
	registry      *websocket.Registry
	limiter       *ratelimit.Limiter
	geoIndex      interfaces.GeoIndex
	identity      interfaces.IdentityStore
	locations     interfaces.LocationStore
	identityRetry *retry.Policy
	movement      geo.MovementPolicy
	dispatcher    *Dispatcher
	cfg           Config
	logger        zerolog.Logger
	now           func() time.Time
}

// NewEngine validates deps and fills config defaults.
func NewEngine(deps Dependencies, cfg Config, logger zerolog.Logger) (*Engine, error) {
	switch {
	case deps.Registry == nil:
		return nil, ErrNilRegistry
	case deps.Limiter == nil:
		return nil, ErrNilLimiter
	case deps.GeoIndex == nil:
		return nil, ErrNilGeoIndex
	case deps.Identity == nil:
		return nil, ErrNilIdentity
	case deps.Locations == nil:
		return nil, ErrNilLocations
	}

	if cfg.GeoKey == "" {
		cfg.GeoKey = DefaultGeoKey
	}
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultRadiusMeters
	}
	if deps.IdentityRetry == nil {
		deps.IdentityRetry = NewIdentityRetryPolicy(DefaultRetryAttempts, DefaultRetryBase)
	}

	e := &Engine{
		registry:      deps.Registry,
		limiter:       deps.Limiter,
		geoIndex:      deps.GeoIndex,
		identity:      deps.Identity,
		locations:     deps.Locations,
		identityRetry: deps.IdentityRetry,
		movement:      geo.NewMovementPolicy(cfg.MovementThresholdMeters),
		cfg:           cfg,
		logger:        logger.With().Str("component", "proximity_engine").Logger(),
		now:           time.Now,
	}
	e.dispatcher = NewDispatcher(deps.Registry, logger)
	return e, nil
}

// NewIdentityRetryPolicy retries every identity failure, including not
// found, with exponential backoff. Context cancellation is not retried.
func NewIdentityRetryPolicy(attempts int, base time.Duration) *retry.Policy {
	return retry.NewPolicy(attempts, retry.Exponential(base), retry.WithRetryable(func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}))
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Register binds conn to userID. If conn was bound to another user, that
// user is released exactly as on disconnect. A different connection already
// registered for userID is replaced but stays open.
func (e *Engine) Register(conn interfaces.Connection, userID string) error {
	if !types.IsValidUserID(userID) {
		return fmt.Errorf("%w: %v", ErrProtocol, types.ErrInvalidUserID)
	}
	if prev := conn.GetUserID(); prev != "" && prev != userID {
		if e.registry.UnregisterConnection(prev, conn) {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			e.release(ctx, prev)
			cancel()
			e.logger.Info().Str("user_id", prev).Str("conn_id", conn.ID()).Msg("connection rebound to another user")
		}
	}

	if existing, ok := e.registry.Lookup(userID); ok && existing.ID() != conn.ID() {
		e.logger.Info().
			Str("user_id", userID).
			Str("old_conn_id", existing.ID()).
			Str("conn_id", conn.ID()).
			Msg("replacing existing connection")
	}

	if err := e.registry.Register(userID, conn); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	conn.SetUserID(userID)

	e.logger.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("user registered")
	return nil
}

// ProcessLocationReport runs one report through the pipeline. Any failing
// step sends an error notification to conn and stops; the returned error
// wraps the matching class sentinel.
func (e *Engine) ProcessLocationReport(ctx context.Context, conn interfaces.Connection, report types.LocationReport) error {
	userID := report.UserID
	logger := e.logger.With().Str("user_id", userID).Logger()

	if !e.limiter.TryConsume(userID) {
		e.reject(conn, MsgRateLimited)
		return fmt.Errorf("%w: user %s", ErrAdmissionDenied, userID)
	}

	if err := types.ValidateLocation(report.Latitude, report.Longitude); err != nil {
		e.reject(conn, MsgInvalidLocation)
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err := e.identityRetry.Do(ctx, func(ctx context.Context) error {
		_, err := e.identity.FindUser(ctx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			logger.Warn().Msg("location report from unknown user")
			e.reject(conn, MsgUserNotFound)
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		logger.Error().Err(err).Msg("identity check failed")
		e.reject(conn, MsgServerError)
		return fmt.Errorf("%w: identity check: %v", ErrInfrastructure, err)
	}

	if err := e.geoIndex.UpsertPoint(ctx, e.cfg.GeoKey, userID, report.Longitude, report.Latitude); err != nil {
		logger.Error().Err(err).Msg("geo index upsert failed")
		e.reject(conn, MsgServerError)
		return fmt.Errorf("%w: geo upsert: %v", ErrInfrastructure, err)
	}

	peers, err := e.geoIndex.QueryRadius(ctx, e.cfg.GeoKey, interfaces.RadiusQuery{
		Longitude:       report.Longitude,
		Latitude:        report.Latitude,
		RadiusMeters:    e.cfg.RadiusMeters,
		WithDistance:    true,
		WithCoordinates: true,
		ExcludeUserID:   userID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("geo radius query failed")
		e.reject(conn, MsgServerError)
		return fmt.Errorf("%w: geo query: %v", ErrInfrastructure, err)
	}

	e.fanOut(conn, userID, report.Coordinates(), peers)

	if err := e.persistIfMoved(ctx, report); err != nil {
		logger.Error().Err(err).Msg("location persistence failed")
		e.reject(conn, MsgPersistenceFailed)
		return fmt.Errorf("%w: persist location: %v", ErrInfrastructure, err)
	}
	return nil
}

func (e *Engine) fanOut(conn interfaces.Connection, userID string, loc types.Coordinates, peers []types.NearbyPeer) {
	if len(peers) == 0 {
		return
	}

	e.dispatcher.Reply(conn, types.NewNearbyUsersMessage(peers, loc))

	delivered := 0
	for _, peer := range peers {
		if e.dispatcher.SendToUser(peer.UserID, types.NewUserEnteredProximityMessage(userID, loc)) {
			delivered++
		}
	}

	e.logger.Debug().
		Str("user_id", userID).
		Int("nearby", len(peers)).
		Int("notified", delivered).
		Msg("proximity fan-out")
}

func (e *Engine) persistIfMoved(ctx context.Context, report types.LocationReport) error {
	var last *geo.Point
	stored, err := e.locations.GetLocation(ctx, report.UserID)
	switch {
	case err == nil:
		last = &geo.Point{Latitude: stored.Latitude, Longitude: stored.Longitude}
	case errors.Is(err, types.ErrLocationNotFound):
	default:
		return err
	}

	if !e.movement.HasMovedSignificantly(last, report.Latitude, report.Longitude) {
		return nil
	}

	return e.locations.UpsertLocation(ctx, &types.PersistedLocation{
		UserID:    report.UserID,
		Latitude:  report.Latitude,
		Longitude: report.Longitude,
		UpdatedAt: e.now().UTC(),
	})
}

// Disconnect cleans up after conn. The geo point and rate-limit bucket are
// only released if conn was still the user's registered connection.
func (e *Engine) Disconnect(ctx context.Context, conn interfaces.Connection) bool {
	userID := conn.GetUserID()
	if userID == "" {
		return false
	}
	if !e.registry.UnregisterConnection(userID, conn) {
		return false
	}
	e.release(ctx, userID)

	e.logger.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("user disconnected")
	return true
}

// IsCurrent reports whether conn is the connection registered for userID.
func (e *Engine) IsCurrent(conn interfaces.Connection, userID string) bool {
	current, ok := e.registry.Lookup(userID)
	return ok && current.ID() == conn.ID()
}

// release drops the user's geo point and rate-limit bucket. Callers must
// already have removed the user from the registry.
func (e *Engine) release(ctx context.Context, userID string) {
	if err := e.geoIndex.RemovePoint(ctx, e.cfg.GeoKey, userID); err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to remove geo point")
	}
	e.limiter.Forget(userID)
}

func (e *Engine) reject(conn interfaces.Connection, message string) {
	e.dispatcher.Reply(conn, types.NewErrorMessage(message))
}
