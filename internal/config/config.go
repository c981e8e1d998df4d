package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"nearby/internal/logging"
	dbconfig "nearby/pkg/database"
)

// ConfigFileEnv names the variable that points at a YAML config file.
const ConfigFileEnv = "PROXIMITY_CONFIG_FILE"

// Geo index backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Database  *DatabaseConfig
	GeoIndex  *GeoIndexConfig
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Proximity *ProximityConfig
	Logging   *LoggingConfig
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// GeoIndexConfig selects the spatial index backend.
type GeoIndexConfig struct {
	Backend  string
	Addr     string
	Password string
	DB       int
	Key      string
}

// HTTPConfig configures the listener. Port 0 binds an ephemeral port.
type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// WebSocketConfig configures client connections and the liveness sweep.
type WebSocketConfig struct {
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	BufferSize        int
	ReadLimit         int64
}

// ProximityConfig holds the matching and admission settings.
type ProximityConfig struct {
	RadiusMeters            float64
	MovementThresholdMeters float64
	RateLimitPerMinute      int
	RetryAttempts           int
	RetryBase               time.Duration
	MailboxSize             int
	IdentityCacheTTL        time.Duration
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultConfig runs a single node against local SQLite and Redis.
func DefaultConfig() *Config {
	db := dbconfig.DefaultConfig()
	return &Config{
		Database: &DatabaseConfig{
			Driver:          db.Driver,
			DSN:             db.DSN,
			MaxConnections:  db.MaxConnections,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		},
		GeoIndex: &GeoIndexConfig{
			Backend: BackendRedis,
			Addr:    "localhost:6379",
			Key:     "user_locations",
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			HeartbeatInterval: 30 * time.Second,
			PongWait:          60 * time.Second,
			WriteTimeout:      5 * time.Second,
			BufferSize:        100,
			ReadLimit:         4096,
		},
		Proximity: &ProximityConfig{
			RadiusMeters:            10,
			MovementThresholdMeters: 50,
			RateLimitPerMinute:      60,
			RetryAttempts:           3,
			RetryBase:               time.Second,
			MailboxSize:             16,
			IdentityCacheTTL:        time.Minute,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.DatabaseConfig().Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.GeoIndex == nil {
		return errors.New("geo index configuration is required")
	}
	switch c.GeoIndex.Backend {
	case BackendRedis:
		if c.GeoIndex.Addr == "" {
			return errors.New("geo index address cannot be empty for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported geo index backend %q", c.GeoIndex.Backend)
	}
	if c.GeoIndex.Key == "" {
		return errors.New("geo index key cannot be empty")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.HeartbeatInterval <= 0 {
		return errors.New("WebSocket heartbeat interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.HeartbeatInterval {
		return errors.New("WebSocket pong wait must exceed the heartbeat interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return errors.New("WebSocket read limit must be positive")
	}

	if c.Proximity == nil {
		return errors.New("proximity configuration is required")
	}
	p := c.Proximity
	if p.RadiusMeters <= 0 {
		return errors.New("proximity radius must be positive")
	}
	if p.MovementThresholdMeters <= 0 {
		return errors.New("movement threshold must be positive")
	}
	if p.RateLimitPerMinute <= 0 {
		return errors.New("rate limit must be positive")
	}
	if p.RetryAttempts <= 0 {
		return errors.New("retry attempts must be positive")
	}
	if p.RetryBase <= 0 {
		return errors.New("retry base delay must be positive")
	}
	if p.MailboxSize <= 0 {
		return errors.New("mailbox size must be positive")
	}
	if p.IdentityCacheTTL <= 0 {
		return errors.New("identity cache TTL must be positive")
	}

	if c.Logging == nil {
		return errors.New("logging configuration is required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}
	return nil
}

// DatabaseConfig converts the database section for pkg/database.
func (c *Config) DatabaseConfig() *dbconfig.Config {
	return &dbconfig.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxConnections:  c.Database.MaxConnections,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv overlays PROXIMITY_* variables on the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	return applyEnv(DefaultConfig())
}

func applyEnv(config *Config) *Config {
	setString("PROXIMITY_DATABASE_DRIVER", &config.Database.Driver)
	setString("PROXIMITY_DATABASE_DSN", &config.Database.DSN)
	setInt("PROXIMITY_DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)

	setString("PROXIMITY_GEO_BACKEND", &config.GeoIndex.Backend)
	setString("PROXIMITY_REDIS_ADDR", &config.GeoIndex.Addr)
	setString("PROXIMITY_REDIS_PASSWORD", &config.GeoIndex.Password)
	setInt("PROXIMITY_REDIS_DB", &config.GeoIndex.DB)
	setString("PROXIMITY_GEO_KEY", &config.GeoIndex.Key)

	setString("PROXIMITY_HTTP_HOST", &config.HTTP.Host)
	setInt("PROXIMITY_HTTP_PORT", &config.HTTP.Port)
	setDuration("PROXIMITY_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	setDuration("PROXIMITY_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	setDuration("PROXIMITY_HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)

	setDuration("PROXIMITY_HEARTBEAT_INTERVAL", &config.WebSocket.HeartbeatInterval)
	setDuration("PROXIMITY_WEBSOCKET_PONG_WAIT", &config.WebSocket.PongWait)
	setDuration("PROXIMITY_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	setInt("PROXIMITY_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	setFloat("PROXIMITY_RADIUS_METERS", &config.Proximity.RadiusMeters)
	setFloat("PROXIMITY_MOVEMENT_THRESHOLD_METERS", &config.Proximity.MovementThresholdMeters)
	setInt("PROXIMITY_RATE_LIMIT_PER_MINUTE", &config.Proximity.RateLimitPerMinute)
	setInt("PROXIMITY_RETRY_ATTEMPTS", &config.Proximity.RetryAttempts)
	setDuration("PROXIMITY_RETRY_BASE", &config.Proximity.RetryBase)
	setInt("PROXIMITY_MAILBOX_SIZE", &config.Proximity.MailboxSize)

	setString("PROXIMITY_LOG_LEVEL", &config.Logging.Level)
	setString("PROXIMITY_LOG_FORMAT", &config.Logging.Format)
	return config
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the YAML layout. Durations are strings such as "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `yaml:"database"`
	GeoIndex  *GeoIndexConfigFile  `yaml:"geo_index"`
	HTTP      *HTTPConfigFile      `yaml:"http"`
	WebSocket *WebSocketConfigFile `yaml:"websocket"`
	Proximity *ProximityConfigFile `yaml:"proximity"`
	Logging   *LoggingConfigFile   `yaml:"logging"`
}

type DatabaseConfigFile struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxConnections  int    `yaml:"max_connections"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time"`
}

type GeoIndexConfigFile struct {
	Backend  string `yaml:"backend"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type HTTPConfigFile struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type WebSocketConfigFile struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	PongWait          string `yaml:"pong_wait"`
	WriteTimeout      string `yaml:"write_timeout"`
	BufferSize        int    `yaml:"buffer_size"`
	ReadLimit         int64  `yaml:"read_limit"`
}

type ProximityConfigFile struct {
	RadiusMeters            float64 `yaml:"radius_meters"`
	MovementThresholdMeters float64 `yaml:"movement_threshold_meters"`
	RateLimitPerMinute      int     `yaml:"rate_limit_per_minute"`
	RetryAttempts           int     `yaml:"retry_attempts"`
	RetryBase               string  `yaml:"retry_base"`
	MailboxSize             int     `yaml:"mailbox_size"`
	IdentityCacheTTL        string  `yaml:"identity_cache_ttl"`
}

type LoggingConfigFile struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
// Unlike environment variables, a malformed duration is an error here.
func LoadFromFile(path string) (*Config, error) {
	return loadFile(path, DefaultConfig())
}

func loadFile(path string, config *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.apply(config); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func (f *ConfigFile) apply(config *Config) error {
	var errs []error
	duration := func(field, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if db := f.Database; db != nil {
		overrideString(db.Driver, &config.Database.Driver)
		overrideString(db.DSN, &config.Database.DSN)
		overrideInt(db.MaxConnections, &config.Database.MaxConnections)
		duration("database.conn_max_lifetime", db.ConnMaxLifetime, &config.Database.ConnMaxLifetime)
		duration("database.conn_max_idle_time", db.ConnMaxIdleTime, &config.Database.ConnMaxIdleTime)
	}

	if g := f.GeoIndex; g != nil {
		overrideString(g.Backend, &config.GeoIndex.Backend)
		overrideString(g.Addr, &config.GeoIndex.Addr)
		overrideString(g.Password, &config.GeoIndex.Password)
		overrideInt(g.DB, &config.GeoIndex.DB)
		overrideString(g.Key, &config.GeoIndex.Key)
	}

	if h := f.HTTP; h != nil {
		overrideString(h.Host, &config.HTTP.Host)
		overrideInt(h.Port, &config.HTTP.Port)
		duration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout)
		duration("http.shutdown_timeout", h.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}

	if ws := f.WebSocket; ws != nil {
		duration("websocket.heartbeat_interval", ws.HeartbeatInterval, &config.WebSocket.HeartbeatInterval)
		duration("websocket.pong_wait", ws.PongWait, &config.WebSocket.PongWait)
		duration("websocket.write_timeout", ws.WriteTimeout, &config.WebSocket.WriteTimeout)
		overrideInt(ws.BufferSize, &config.WebSocket.BufferSize)
		if ws.ReadLimit > 0 {
			config.WebSocket.ReadLimit = ws.ReadLimit
		}
	}

	if p := f.Proximity; p != nil {
		if p.RadiusMeters > 0 {
			config.Proximity.RadiusMeters = p.RadiusMeters
		}
		if p.MovementThresholdMeters > 0 {
			config.Proximity.MovementThresholdMeters = p.MovementThresholdMeters
		}
		overrideInt(p.RateLimitPerMinute, &config.Proximity.RateLimitPerMinute)
		overrideInt(p.RetryAttempts, &config.Proximity.RetryAttempts)
		duration("proximity.retry_base", p.RetryBase, &config.Proximity.RetryBase)
		overrideInt(p.MailboxSize, &config.Proximity.MailboxSize)
		duration("proximity.identity_cache_ttl", p.IdentityCacheTTL, &config.Proximity.IdentityCacheTTL)
	}

	if l := f.Logging; l != nil {
		overrideString(l.Level, &config.Logging.Level)
		overrideString(l.Format, &config.Logging.Format)
	}
	return errors.Join(errs...)
}

func overrideString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func overrideInt(v int, dst *int) {
	if v > 0 {
		*dst = v
	}
}

// LoadConfigWithPrecedence resolves file > environment > defaults. When the
// file cannot be loaded the environment layer is returned with the error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv(), nil
	}
	config, err := loadFile(path, LoadFromEnv())
	if err != nil {
		return LoadFromEnv(), err
	}
	return config, nil
}
