package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nearby/internal/api"
	"nearby/internal/config"
	"nearby/internal/database"
	"nearby/internal/geoindex"
	"nearby/internal/hub"
	"nearby/internal/identity"
	"nearby/internal/proximity"
	"nearby/internal/ratelimit"
	"nearby/internal/websocket"
	"nearby/pkg/interfaces"
	dbconfig "nearby/pkg/database"
)

const migrationTimeout = 30 * time.Second

// geoBackend is a geo index that can also report its health.
type geoBackend interface {
	interfaces.GeoIndex
	interfaces.HealthChecker
}

// Application owns every component of one service instance.
type Application struct {
	config     *config.Config
	instanceID string
	logger     zerolog.Logger

	dbManager  *database.Manager
	directory  *identity.Directory
	geoIndex   geoBackend
	redis      *redis.Client
	registry   *websocket.Registry
	engine     *proximity.Engine
	messageHub *hub.Hub
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	purgeWG  sync.WaitGroup
}

// NewApplication builds the component graph in dependency order:
// database → identity → geo index → limiter/registry → engine → hub →
// websocket handler → API → HTTP.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	instanceID := uuid.NewString()
	logger = logger.With().Str("instance_id", instanceID).Logger()

	dbCfg := cfg.DatabaseConfig()
	if err := ensureDataDir(dbCfg); err != nil {
		return nil, err
	}
	dbManager, err := database.NewManager(dbCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
	defer cancel()
	if err := dbconfig.NewMigrationManager(dbManager.GetDB(), dbCfg.Driver).ApplyMigrations(ctx); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info().Str("driver", dbCfg.Driver).Msg("Database migrations applied")

	a := &Application{
		config:     cfg,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "app").Logger(),
		dbManager:  dbManager,
	}
	if err := a.build(logger); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(logger zerolog.Logger) error {
	cfg := a.config

	directory, err := identity.NewDirectory(a.dbManager, cfg.Proximity.IdentityCacheTTL, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize identity directory: %w", err)
	}
	a.directory = directory

	switch cfg.GeoIndex.Backend {
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.GeoIndex.Addr,
			Password: cfg.GeoIndex.Password,
			DB:       cfg.GeoIndex.DB,
		})
		idx, err := geoindex.NewRedisIndex(a.redis, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize geo index: %w", err)
		}
		a.geoIndex = idx
	default:
		a.geoIndex = geoindex.NewMemoryIndex()
	}

	a.registry = websocket.NewRegistry()
	engine, err := proximity.NewEngine(proximity.Dependencies{
		Registry:      a.registry,
		Limiter:       ratelimit.New(cfg.Proximity.RateLimitPerMinute),
		GeoIndex:      a.geoIndex,
		Identity:      directory,
		Locations:     a.dbManager,
		IdentityRetry: proximity.NewIdentityRetryPolicy(cfg.Proximity.RetryAttempts, cfg.Proximity.RetryBase),
	}, proximity.Config{
		GeoKey:                  cfg.GeoIndex.Key,
		RadiusMeters:            cfg.Proximity.RadiusMeters,
		MovementThresholdMeters: cfg.Proximity.MovementThresholdMeters,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize proximity engine: %w", err)
	}
	a.engine = engine

	a.messageHub = hub.NewHub(engine, a.registry, hub.Options{
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		MailboxSize:       cfg.Proximity.MailboxSize,
	}, logger)

	a.wsHandler = websocket.NewHandler(a.messageHub, websocket.HandlerOptions{
		ReadLimit: cfg.WebSocket.ReadLimit,
		PongWait:  cfg.WebSocket.PongWait,
		Connection: websocket.ConnectionOptions{
			SendBuffer:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
	}, logger)

	a.apiServer = api.NewServer(api.Dependencies{
		Store:       a.dbManager,
		GeoIndex:    a.geoIndex,
		Registry:    a.registry,
		Hub:         a.messageHub,
		Connections: a.wsHandler,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.wsHandler)
	mux.Handle("/", a.apiServer)

	a.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return nil
}

// ensureDataDir creates the parent directory of a file-backed SQLite DSN.
func ensureDataDir(cfg *dbconfig.Config) error {
	if cfg.Driver != dbconfig.DriverSQLite {
		return nil
	}
	path := cfg.DSN
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Start launches the hub, the identity cache purge, and the HTTP listener.
// It returns once the listener is bound.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener != nil {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := a.messageHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		cancel()
		_ = a.messageHub.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln
	a.cancel = cancel

	a.purgeWG.Add(1)
	go a.purgeIdentityCache(runCtx)

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	a.logger.Info().Str("addr", ln.Addr().String()).Str("geo_backend", a.config.GeoIndex.Backend).Msg("Proximity service started")
	return nil
}

func (a *Application) purgeIdentityCache(ctx context.Context) {
	defer a.purgeWG.Done()
	ticker := time.NewTicker(a.config.Proximity.IdentityCacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.directory.Purge(); n > 0 {
				a.logger.Debug().Int("purged", n).Msg("Expired identity cache entries")
			}
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP → sockets → hub →
// geo index → database. Every step runs even when an earlier one fails.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down proximity service")

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket: %w", err))
	}
	if err := a.messageHub.Stop(ctx); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.purgeWG.Wait()

	errs = append(errs, a.closeStores())

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error().Err(err).Msg("Shutdown completed with errors")
	} else {
		a.logger.Info().Msg("Shutdown complete")
	}
	return err
}

func (a *Application) closeStores() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := a.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the bound listener address once started, otherwise the
// configured one.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Store returns the database manager.
func (a *Application) Store() *database.Manager {
	return a.dbManager
}

// InstanceID identifies this process in logs.
func (a *Application) InstanceID() string {
	return a.instanceID
}
