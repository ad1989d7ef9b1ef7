package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the inksync server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Sync       SyncConfig       `yaml:"sync"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the WebSocket endpoint settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	ServerID       string        `yaml:"server_id"` // empty means generate one at startup
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RedisConfig covers the shared cache and the cross-instance pub/sub bus.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	StateTTL    time.Duration `yaml:"state_ttl"` // cached room state expiry
}

// SyncConfig controls the synchronization core.
type SyncConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval"` // point-stream coalescing window
	ResyncInterval   time.Duration `yaml:"resync_interval"`   // periodic full-state broadcast
	StaleConnAge     time.Duration `yaml:"stale_conn_age"`
	EmptyRoomGrace   time.Duration `yaml:"empty_room_grace"`
	JanitorInterval  time.Duration `yaml:"janitor_interval"`
}

// SecurityConfig contains authentication and abuse controls.
type SecurityConfig struct {
	JWTSecret           string          `yaml:"jwt_secret"`
	AllowGuests         bool            `yaml:"allow_guests"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0:8443",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 1048576, // 1MB, image elements carry data URLs
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			DialTimeout: 5 * time.Second,
			StateTTL:    time.Hour,
		},
		Sync: SyncConfig{
			DebounceInterval: 50 * time.Millisecond,
			ResyncInterval:   7 * time.Second,
			StaleConnAge:     5 * time.Minute,
			EmptyRoomGrace:   10 * time.Minute,
			JanitorInterval:  time.Minute,
		},
		Security: SecurityConfig{
			AllowGuests:         true,
			MaxConnections:      5000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    200,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8444",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  true,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 16777216 {
		return fmt.Errorf("server.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if _, _, err := net.SplitHostPort(c.Redis.Address); err != nil {
		return fmt.Errorf("redis.address is invalid: %w", err)
	}
	if c.Redis.StateTTL <= 0 {
		return fmt.Errorf("redis.state_ttl must be positive")
	}

	if c.Sync.DebounceInterval <= 0 {
		return fmt.Errorf("sync.debounce_interval must be positive")
	}
	if c.Sync.DebounceInterval > time.Second {
		return fmt.Errorf("sync.debounce_interval must not exceed 1s (clients stall waiting for commits)")
	}
	if c.Sync.ResyncInterval < 0 {
		return fmt.Errorf("sync.resync_interval must not be negative (use 0 to disable)")
	}
	if c.Sync.StaleConnAge <= 0 {
		return fmt.Errorf("sync.stale_conn_age must be positive")
	}
	if c.Sync.EmptyRoomGrace <= 0 {
		return fmt.Errorf("sync.empty_room_grace must be positive")
	}
	if c.Sync.JanitorInterval <= 0 {
		return fmt.Errorf("sync.janitor_interval must be positive")
	}

	if !c.Security.AllowGuests && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when security.allow_guests is false")
	}
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must be positive")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies INKSYNC_ prefixed environment variables.
// Convention: INKSYNC_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"INKSYNC_SERVER_LISTEN_ADDRESS":  func(v string) { cfg.Server.ListenAddress = v },
		"INKSYNC_SERVER_ID":              func(v string) { cfg.Server.ServerID = v },
		"INKSYNC_SERVER_DRAIN_TIMEOUT":   func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"INKSYNC_SERVER_MAX_MESSAGE_SIZE": func(v string) {
			cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize)
		},
		"INKSYNC_SERVER_PING_INTERVAL": func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"INKSYNC_SERVER_WRITE_TIMEOUT": func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"INKSYNC_REDIS_ADDRESS":        func(v string) { cfg.Redis.Address = v },
		"INKSYNC_REDIS_PASSWORD":       func(v string) { cfg.Redis.Password = v },
		"INKSYNC_REDIS_DB":             func(v string) { cfg.Redis.DB = parseInt(v, cfg.Redis.DB) },
		"INKSYNC_REDIS_STATE_TTL":      func(v string) { cfg.Redis.StateTTL = parseDuration(v, cfg.Redis.StateTTL) },
		"INKSYNC_SYNC_DEBOUNCE_INTERVAL": func(v string) {
			cfg.Sync.DebounceInterval = parseDuration(v, cfg.Sync.DebounceInterval)
		},
		"INKSYNC_SYNC_RESYNC_INTERVAL":  func(v string) { cfg.Sync.ResyncInterval = parseDuration(v, cfg.Sync.ResyncInterval) },
		"INKSYNC_SYNC_STALE_CONN_AGE":   func(v string) { cfg.Sync.StaleConnAge = parseDuration(v, cfg.Sync.StaleConnAge) },
		"INKSYNC_SYNC_EMPTY_ROOM_GRACE": func(v string) { cfg.Sync.EmptyRoomGrace = parseDuration(v, cfg.Sync.EmptyRoomGrace) },
		"INKSYNC_SECURITY_JWT_SECRET":   func(v string) { cfg.Security.JWTSecret = v },
		"INKSYNC_SECURITY_ALLOW_GUESTS": func(v string) { cfg.Security.AllowGuests = parseBool(v, cfg.Security.AllowGuests) },
		"INKSYNC_SECURITY_MAX_CONNECTIONS": func(v string) {
			cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections)
		},
		"INKSYNC_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"INKSYNC_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"INKSYNC_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"INKSYNC_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"INKSYNC_LOGGING_LEVEL":          func(v string) { cfg.Logging.Level = v },
		"INKSYNC_LOGGING_FORMAT":         func(v string) { cfg.Logging.Format = v },
		"INKSYNC_LOGGING_FILE":           func(v string) { cfg.Logging.File = v },
		"INKSYNC_HEALTH_ENABLED":         func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"INKSYNC_HEALTH_LISTEN_ADDRESS":  func(v string) { cfg.Health.ListenAddress = v },
		"INKSYNC_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, TLS, redis connection, server id.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.JWTSecret = newCfg.Security.JWTSecret
	updated.Security.AllowGuests = newCfg.Security.AllowGuests
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Sync.DebounceInterval = newCfg.Sync.DebounceInterval
	updated.Sync.ResyncInterval = newCfg.Sync.ResyncInterval
	updated.Sync.StaleConnAge = newCfg.Sync.StaleConnAge
	updated.Sync.EmptyRoomGrace = newCfg.Sync.EmptyRoomGrace
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Server.ServerID != new.Server.ServerID {
		warnings = append(warnings, "server.server_id requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Redis.Address != new.Redis.Address || old.Redis.DB != new.Redis.DB {
		warnings = append(warnings, "redis connection settings require restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
