// Package config provides Viper-based configuration loading for the quizhub server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the HTTP/WebSocket listener settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds reading a full HTTP request (not WebSocket frames).
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds writing a full HTTP response (not WebSocket frames).
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AllowedOrigins lists the CORS / WebSocket origins accepted. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// WebSocketConfig holds per-connection WebSocket settings.
type WebSocketConfig struct {
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PongWait is the read deadline extended by every pong or inbound frame.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// WriteWait bounds a single frame write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// OutboxSize is the buffered event capacity per connection.
	OutboxSize int `mapstructure:"outbox_size"`
	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// StoreConfig selects the room store backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings for the shared timer throttle.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ThrottleConfig controls timer broadcast throttling.
type ThrottleConfig struct {
	// Backend is "local" (process-local, single instance) or "redis" (shared).
	Backend string `mapstructure:"backend"`
	// Interval is the minimum spacing between timer broadcasts per room.
	Interval time.Duration `mapstructure:"interval"`
}

// GameConfig holds room rules.
type GameConfig struct {
	// SessionLength is added to the creation time to produce a room's end time.
	SessionLength time.Duration `mapstructure:"session_length"`
	// QuestionSeconds is the countdown reset on every question advance.
	QuestionSeconds int `mapstructure:"question_seconds"`
	// WinnerPolicy is the ID of the policy definition deciding winners.
	WinnerPolicy string `mapstructure:"winner_policy"`
	// PoliciesDir is the directory of policy YAML definitions. Empty uses the built-ins.
	PoliciesDir string `mapstructure:"policies_dir"`
	// DepartureGrace is how long a dropped connection keeps its membership.
	DepartureGrace time.Duration `mapstructure:"departure_grace"`
	// SweepInterval is how often departed connections are evicted.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Game      GameConfig      `mapstructure:"game"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateHTTP(c.HTTP); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStore(c.Store); err != nil {
		errs = append(errs, err.Error())
	}
	// database settings only matter when postgres backs the store
	if c.Store.Driver == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateThrottle(c.Throttle, c.Redis); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 0 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 0-65535, got %d", h.Port))
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.PingInterval <= 0 {
		errs = append(errs, "websocket.ping_interval must be > 0")
	}
	if w.PongWait <= w.PingInterval {
		errs = append(errs, "websocket.pong_wait must exceed websocket.ping_interval")
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be > 0")
	}
	if w.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.outbox_size must be >= 1, got %d", w.OutboxSize))
	}
	if w.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 1, got %d", w.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStore(s StoreConfig) error {
	validDrivers := map[string]bool{"postgres": true, "memory": true}
	if !validDrivers[s.Driver] {
		return fmt.Errorf("store.driver must be one of [postgres, memory], got %q", s.Driver)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateThrottle(t ThrottleConfig, r RedisConfig) error {
	var errs []string
	switch t.Backend {
	case "local":
	case "redis":
		if r.Addr == "" {
			errs = append(errs, "redis.addr must not be empty when throttle.backend is redis")
		}
		if r.DB < 0 {
			errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
		}
	default:
		errs = append(errs, fmt.Sprintf("throttle.backend must be one of [local, redis], got %q", t.Backend))
	}
	if t.Interval <= 0 {
		errs = append(errs, "throttle.interval must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.SessionLength <= 0 {
		errs = append(errs, "game.session_length must be > 0")
	}
	if g.QuestionSeconds < 1 {
		errs = append(errs, fmt.Sprintf("game.question_seconds must be >= 1, got %d", g.QuestionSeconds))
	}
	if g.WinnerPolicy == "" {
		errs = append(errs, "game.winner_policy must not be empty")
	}
	if g.DepartureGrace < 0 {
		errs = append(errs, "game.departure_grace must not be negative")
	}
	if g.SweepInterval < time.Second {
		errs = append(errs, "game.sweep_interval must be >= 1s")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with QUIZHUB_ prefix
	v.SetEnvPrefix("QUIZHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("viper instance must not be nil")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults installs the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("websocket.ping_interval", "10s")
	v.SetDefault("websocket.pong_wait", "30s")
	v.SetDefault("websocket.write_wait", "5s")
	v.SetDefault("websocket.outbox_size", 64)
	v.SetDefault("websocket.max_message_bytes", 4096)

	v.SetDefault("store.driver", "postgres")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "quizhub")
	v.SetDefault("database.password", "quizhub")
	v.SetDefault("database.name", "quizhub")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("throttle.backend", "local")
	v.SetDefault("throttle.interval", "1s")

	v.SetDefault("game.session_length", "15m")
	v.SetDefault("game.question_seconds", 30)
	v.SetDefault("game.winner_policy", "first-to-1000")
	v.SetDefault("game.departure_grace", "30s")
	v.SetDefault("game.sweep_interval", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
