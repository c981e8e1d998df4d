package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// Store is the durable store as seen by the HTTP API.
type Store interface {
	interfaces.HealthChecker
	GetLocation(ctx context.Context, userID string) (*types.PersistedLocation, error)
	CountLocations(ctx context.Context) (int, error)
}

// StatsProvider reports counters for /api/stats.
type StatsProvider interface {
	GetStats() map[string]int
}

// ConnectionCounter reports the number of live sockets.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Dependencies are the read-only views the API serves from.
type Dependencies struct {
	Store       Store
	GeoIndex    interfaces.HealthChecker
	Registry    StatsProvider
	Hub         StatsProvider
	Connections ConnectionCounter
}

// Server exposes health, stats, and last known locations over HTTP. It
// holds no business logic.
type Server struct {
	deps      Dependencies
	router    *http.ServeMux
	logger    zerolog.Logger
	startedAt time.Time
}

// NewServer wires the routes.
func NewServer(deps Dependencies, logger zerolog.Logger) *Server {
	s := &Server{
		deps:      deps,
		router:    http.NewServeMux(),
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("GET /health", s.wrap(s.healthCheck))
	s.router.Handle("GET /api/stats", s.wrap(s.stats))
	s.router.Handle("GET /api/users/{id}/location", s.wrap(s.userLocation))
}

func (s *Server) wrap(h http.HandlerFunc) http.Handler {
	return s.logRequests(s.corsMiddleware(s.jsonMiddleware(h)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Components  map[string]string `json:"components"`
	Connections map[string]int    `json:"connections"`
}

type StatsResponse struct {
	UptimeSeconds      int64          `json:"uptime_seconds"`
	ActiveConnections  int            `json:"active_connections"`
	PersistedLocations int            `json:"persisted_locations"`
	Registry           map[string]int `json:"registry"`
	Hub                map[string]int `json:"hub"`
}

type LocationResponse struct {
	Location *types.PersistedLocation `json:"location"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health reports 503 when the store or the geo index is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]string{}
	check := func(name string, c interfaces.HealthChecker) {
		if c == nil {
			return
		}
		if err := c.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			components[name] = fmt.Sprintf("error: %v", err)
			return
		}
		components[name] = "healthy"
	}
	check("database", s.deps.Store)
	check("geo_index", s.deps.GeoIndex)

	var connections map[string]int
	if s.deps.Registry != nil {
		connections = s.deps.Registry.GetStats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
		s.logger.Warn().Interface("components", components).Msg("Health check failed")
	}
	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Components:  components,
		Connections: connections,
	})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Connections != nil {
		resp.ActiveConnections = s.deps.Connections.ActiveConnections()
	}
	if s.deps.Registry != nil {
		resp.Registry = s.deps.Registry.GetStats()
	}
	if s.deps.Hub != nil {
		resp.Hub = s.deps.Hub.GetStats()
	}
	if s.deps.Store != nil {
		n, err := s.deps.Store.CountLocations(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to count persisted locations")
			s.sendError(w, "Failed to read statistics", http.StatusInternalServerError)
			return
		}
		resp.PersistedLocations = n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/users/{id}/location returns the last persisted location.
func (s *Server) userLocation(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if !types.IsValidUserID(userID) {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	if s.deps.Store == nil {
		s.sendError(w, "Location store unavailable", http.StatusServiceUnavailable)
		return
	}

	loc, err := s.deps.Store.GetLocation(r.Context(), userID)
	if err != nil {
		if errors.Is(err, types.ErrLocationNotFound) {
			s.sendError(w, "Location not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read location")
		s.sendError(w, "Failed to read location", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, LocationResponse{Location: loc})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows any origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
