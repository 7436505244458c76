package outbox

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/outbox/internal/store"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultMaxRetries       = 5
	DefaultReplayBackoff    = 2 * time.Second
	DefaultReplayBackoffMax = time.Minute
	DefaultHealthPath       = "/api/health"
)

// Config configures the outbox client.
type Config struct {
	// DBPath is the path to the local SQLite database.
	// Defaults to ~/.outbox/outbox.db (OUTBOX_HOME overrides the directory).
	DBPath string `yaml:"db_path"`

	// ServerURL is the base URL of the API that receives mutations.
	// If empty, every mutation is queued and replay is unavailable.
	ServerURL string `yaml:"server_url"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// ClientID identifies this device to the server.
	// Defaults to hostname if not set.
	ClientID string `yaml:"client_id"`

	// Tenant is the tenant in scope when a call names none and its context
	// carries none. SwitchTenant replaces it.
	Tenant string `yaml:"tenant"`

	// MaxRetries is the number of failed attempts after which a mutation is
	// skipped by replay and reported as stuck. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// ManualReplay disables the background runner; replay then only happens
	// through Client.Replay.
	ManualReplay bool `yaml:"manual_replay"`

	// ReplayBackoff is the first delay before re-running a pass that left
	// transient failures. Defaults to 2s, doubling up to ReplayBackoffMax (1m).
	ReplayBackoff    time.Duration `yaml:"replay_backoff"`
	ReplayBackoffMax time.Duration `yaml:"replay_backoff_max"`

	// ProbeInterval, when positive, health-checks the server at this interval
	// and feeds the result to the built-in Monitor. Leave zero when the host
	// reports connectivity itself.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// HealthPath is the server's health endpoint. Defaults to /api/health.
	HealthPath string `yaml:"health_path"`

	// Debug enables tracing of every request and response.
	Debug bool `yaml:"debug"`

	// DebugLogPath is the path to write debug traces.
	// Defaults to stderr if empty.
	DebugLogPath string `yaml:"debug_log_path"`

	// LogLevel is debug, info, warn or error. Defaults to warn.
	LogLevel string `yaml:"log_level"`

	// Logger overrides the logger built from LogLevel.
	Logger *slog.Logger `yaml:"-"`

	// Sender overrides the HTTP transport.
	Sender Sender `yaml:"-"`

	// Monitor overrides the built-in connectivity Monitor.
	Monitor ConnectivityMonitor `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		DBPath:           store.DefaultDBPath(),
		ClientID:         hostname,
		MaxRetries:       DefaultMaxRetries,
		ReplayBackoff:    DefaultReplayBackoff,
		ReplayBackoffMax: DefaultReplayBackoffMax,
		HealthPath:       DefaultHealthPath,
		LogLevel:         "warn",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	OUTBOX_DB_PATH      → DBPath
//	OUTBOX_SERVER_URL   → ServerURL
//	OUTBOX_API_KEY      → APIKey
//	OUTBOX_CLIENT_ID    → ClientID
//	OUTBOX_TENANT       → Tenant
//	OUTBOX_MAX_RETRIES  → MaxRetries (ignored if not an integer)
//	OUTBOX_DEBUG        → Debug (any non-empty value enables)
//	OUTBOX_DEBUG_LOG    → DebugLogPath
//	OUTBOX_LOG_LEVEL    → LogLevel
func ConfigFromEnv() Config {
	cfg := Config{
		DBPath:       os.Getenv("OUTBOX_DB_PATH"),
		ServerURL:    os.Getenv("OUTBOX_SERVER_URL"),
		APIKey:       os.Getenv("OUTBOX_API_KEY"),
		ClientID:     os.Getenv("OUTBOX_CLIENT_ID"),
		Tenant:       os.Getenv(store.TenantEnv),
		Debug:        os.Getenv("OUTBOX_DEBUG") != "",
		DebugLogPath: os.Getenv("OUTBOX_DEBUG_LOG"),
		LogLevel:     os.Getenv("OUTBOX_LOG_LEVEL"),
	}
	if v, err := strconv.Atoi(os.Getenv("OUTBOX_MAX_RETRIES")); err == nil {
		cfg.MaxRetries = v
	}
	return cfg
}

// ConfigFromFile reads a YAML configuration file.
// Durations use Go syntax ("30s", "2m").
func ConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Merge returns c with every zero field filled from other.
// Used to layer flags over env over file.
func (c Config) Merge(other Config) Config {
	if c.DBPath == "" {
		c.DBPath = other.DBPath
	}
	if c.ServerURL == "" {
		c.ServerURL = other.ServerURL
	}
	if c.APIKey == "" {
		c.APIKey = other.APIKey
	}
	if c.ClientID == "" {
		c.ClientID = other.ClientID
	}
	if c.Tenant == "" {
		c.Tenant = other.Tenant
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = other.MaxRetries
	}
	c.ManualReplay = c.ManualReplay || other.ManualReplay
	if c.ReplayBackoff == 0 {
		c.ReplayBackoff = other.ReplayBackoff
	}
	if c.ReplayBackoffMax == 0 {
		c.ReplayBackoffMax = other.ReplayBackoffMax
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = other.ProbeInterval
	}
	if c.HealthPath == "" {
		c.HealthPath = other.HealthPath
	}
	c.Debug = c.Debug || other.Debug
	if c.DebugLogPath == "" {
		c.DebugLogPath = other.DebugLogPath
	}
	if c.LogLevel == "" {
		c.LogLevel = other.LogLevel
	}
	return c
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &ValidationError{Field: "DBPath", Message: "required: path to SQLite database"}
	}

	if c.Tenant != "" {
		if err := store.ValidateTenantID(c.Tenant); err != nil {
			return &ValidationError{Field: "Tenant", Message: err.Error()}
		}
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "ServerURL", Message: "must be an absolute http(s) URL"}
		}
	}

	if c.MaxRetries < 0 {
		return &ValidationError{Field: "MaxRetries", Message: "must be non-negative"}
	}

	if c.ReplayBackoff < 0 || c.ReplayBackoffMax < 0 {
		return &ValidationError{Field: "ReplayBackoff", Message: "must be non-negative"}
	}

	if c.ProbeInterval < 0 {
		return &ValidationError{Field: "ProbeInterval", Message: "must be non-negative"}
	}

	if !validLevel(c.LogLevel) {
		return &ValidationError{Field: "LogLevel", Message: "must be debug, info, warn or error"}
	}

	return nil
}

// IsOffline returns true if no server is configured, so mutations can only be queued.
func (c *Config) IsOffline() bool {
	return c.ServerURL == "" && c.Sender == nil
}

// WithDefaults fills in default values for unset fields.
// Tenant falls back to OUTBOX_TENANT when unset.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
	if c.Tenant == "" {
		if resolved, err := store.ResolveTenant(""); err == nil {
			c.Tenant = resolved
		}
	}
	if c.ClientID == "" {
		c.ClientID = defaults.ClientID
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.ReplayBackoff == 0 {
		c.ReplayBackoff = defaults.ReplayBackoff
	}
	if c.ReplayBackoffMax == 0 {
		c.ReplayBackoffMax = defaults.ReplayBackoffMax
	}
	if c.HealthPath == "" {
		c.HealthPath = defaults.HealthPath
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Logger == nil {
		c.Logger = NewLogger(os.Stderr, c.LogLevel, "text")
	}

	return c
}
