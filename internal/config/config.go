// ABOUTME: Configuration loading and parsing for the quirks chat server
// ABOUTME: Reads YAML or TOML with ${ENV} expansion, applies defaults, parses durations and validates

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load and the CLI.
const (
	EnvConfigPath = "QUIRKS_CONFIG"
	EnvDBPath     = "QUIRKS_DB_PATH"
)

// DefaultPath is used when neither a flag nor QUIRKS_CONFIG names a file.
const DefaultPath = "config.yaml"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the plain TCP listener settings.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins are host patterns accepted on WebSocket upgrades in
	// addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds tsnet listener settings.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve on :443 with tailnet certificates
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds identity verification settings. An empty JWTSecret runs
// the server in development mode.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// MessagingConfig tunes history, fan-out and persistence.
type MessagingConfig struct {
	HistoryLimit     int     `yaml:"history_limit" toml:"history_limit"`
	SubscriberBuffer int     `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	PersistQueueSize int     `yaml:"persist_queue_size" toml:"persist_queue_size"`
	PersistWorkers   int     `yaml:"persist_workers" toml:"persist_workers"`
	RateLimit        float64 `yaml:"rate_limit" toml:"rate_limit"` // frames per second, 0 disables
	RateBurst        int     `yaml:"rate_burst" toml:"rate_burst"`
	DedupeSize       int     `yaml:"dedupe_size" toml:"dedupe_size"`

	PersistTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout   time.Duration `yaml:"-" toml:"-"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PersistTimeoutRaw string `yaml:"persist_timeout" toml:"persist_timeout"`
	WriteTimeoutRaw   string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw   string `yaml:"ping_interval" toml:"ping_interval"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text, json
}

// Default returns a configuration usable for local development.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "quirks.db"},
		Messaging: MessagingConfig{
			HistoryLimit:      50,
			SubscriberBuffer:  64,
			PersistQueueSize:  1024,
			PersistWorkers:    4,
			RateLimit:         10,
			RateBurst:         20,
			DedupeSize:        10000,
			PersistTimeoutRaw: "5s",
			WriteTimeoutRaw:   "10s",
			PingIntervalRaw:   "25s",
			DedupeTTLRaw:      "5m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	_ = cfg.parseDurations()
	return cfg
}

// Load reads the file at path over Default(). Files ending in .toml are
// parsed as TOML, everything else as YAML. ${VAR} references are expanded
// before parsing and QUIRKS_DB_PATH overrides database.path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml config: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml config: %w", err)
	}

	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func (c *Config) parseDurations() error {
	m := &c.Messaging
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"messaging.persist_timeout", m.PersistTimeoutRaw, &m.PersistTimeout},
		{"messaging.write_timeout", m.WriteTimeoutRaw, &m.WriteTimeout},
		{"messaging.ping_interval", m.PingIntervalRaw, &m.PingInterval},
		{"messaging.dedupe_ttl", m.DedupeTTLRaw, &m.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// MinJWTSecretLength matches the verifier's minimum key size.
const MinJWTSecretLength = 32

// Validate checks that all required fields are present and consistent.
// Returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required (or enable tailscale)"))
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		errs = append(errs, errors.New("tailscale.hostname is required when tailscale is enabled"))
	}

	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be sqlite or sqlite3", c.Database.Driver))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if s := c.Auth.JWTSecret; s != "" && len(s) < MinJWTSecretLength {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength))
	}

	m := c.Messaging
	if m.HistoryLimit < 1 || m.HistoryLimit > 200 {
		errs = append(errs, fmt.Errorf("messaging.history_limit %d: must be between 1 and 200", m.HistoryLimit))
	}
	if m.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("messaging.subscriber_buffer must be positive"))
	}
	if m.PersistQueueSize < 1 {
		errs = append(errs, errors.New("messaging.persist_queue_size must be positive"))
	}
	if m.PersistWorkers < 1 {
		errs = append(errs, errors.New("messaging.persist_workers must be positive"))
	}
	if m.RateLimit < 0 {
		errs = append(errs, errors.New("messaging.rate_limit must not be negative"))
	}
	if m.RateLimit > 0 && m.RateBurst < 1 {
		errs = append(errs, errors.New("messaging.rate_burst must be positive when rate_limit is set"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q: must be debug, info, warn or error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// DevMode reports whether requests are trusted without token verification.
func (c *Config) DevMode() bool {
	return c.Auth.JWTSecret == ""
}
