// ABOUTME: Configuration loading and parsing for opamp-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete opamp-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Seed     SeedConfig     `yaml:"seed"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
	ServerID string `yaml:"server_id"`
}

// DatabaseConfig selects and configures the persistence backend
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // sqlite, redis or memory
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// AgentsConfig holds agent timing and push delivery configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	HandshakeTimeout  time.Duration `yaml:"-"`
	PushTimeout       time.Duration `yaml:"-"`
	BackoffInitial    time.Duration `yaml:"-"`
	BackoffMax        time.Duration `yaml:"-"`
	FailureCooldown   time.Duration `yaml:"-"`
	DrainTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
	PushTimeoutRaw       string `yaml:"push_timeout"`
	BackoffInitialRaw    string `yaml:"backoff_initial"`
	BackoffMaxRaw        string `yaml:"backoff_max"`
	FailureCooldownRaw   string `yaml:"failure_cooldown"`
	DrainTimeoutRaw      string `yaml:"drain_timeout"`

	MaxPushAttempts   int     `yaml:"max_push_attempts"`
	SweepSchedule     string  `yaml:"sweep_schedule"`
	Workers           int     `yaml:"workers"`
	MaxInflightPushes int     `yaml:"max_inflight_pushes"`
	DispatchRate      float64 `yaml:"dispatch_rate"`
	SupersedePolicy   string  `yaml:"supersede_policy"`
	MaxConfigBytes    int     `yaml:"max_config_bytes"`
}

// SeedConfig points at a document of initial configurations and topology
type SeedConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// EventsConfig holds external fleet event publishing configuration
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults are
// applied to everything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultPath returns the config file location used when neither a flag
// nor OPAMP_CONFIG names one.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "opamp-gateway", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "opamp-gateway", "config.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:4320"
	}
	if c.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ServerID = host
		} else {
			c.Server.ServerID = "opamp-gateway"
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "opamp-gateway.db"
	}
	if c.Database.RedisPrefix == "" {
		c.Database.RedisPrefix = "opamp:"
	}

	a := &c.Agents
	if a.HeartbeatInterval == 0 {
		a.HeartbeatInterval = 30 * time.Second
	}
	if a.HeartbeatTimeout == 0 {
		a.HeartbeatTimeout = 3 * a.HeartbeatInterval
	}
	if a.HandshakeTimeout == 0 {
		a.HandshakeTimeout = 10 * time.Second
	}
	if a.PushTimeout == 0 {
		a.PushTimeout = 30 * time.Second
	}
	if a.MaxPushAttempts == 0 {
		a.MaxPushAttempts = 5
	}
	if a.BackoffInitial == 0 {
		a.BackoffInitial = time.Second
	}
	if a.BackoffMax == 0 {
		a.BackoffMax = 30 * time.Second
	}
	if a.FailureCooldown == 0 {
		a.FailureCooldown = 5 * time.Minute
	}
	if a.SweepSchedule == "" {
		a.SweepSchedule = "@every 30s"
	}
	if a.Workers == 0 {
		a.Workers = 16
	}
	if a.MaxInflightPushes == 0 {
		a.MaxInflightPushes = 64
	}
	if a.SupersedePolicy == "" {
		a.SupersedePolicy = "immediate"
	}
	if a.DrainTimeout == 0 {
		a.DrainTimeout = 5 * time.Second
	}
	if a.MaxConfigBytes == 0 {
		a.MaxConfigBytes = 1 << 20
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "opamp.fleet"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "redis":
		if c.Database.RedisAddr == "" {
			return fmt.Errorf("database.redis_addr is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, redis, memory", c.Database.Driver)
	}

	a := c.Agents
	if a.HeartbeatTimeout <= a.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed agents.heartbeat_interval (%s)",
			a.HeartbeatTimeout, a.HeartbeatInterval)
	}
	if a.MaxPushAttempts < 1 {
		return fmt.Errorf("agents.max_push_attempts must be at least 1")
	}
	if a.BackoffMax < a.BackoffInitial {
		return fmt.Errorf("agents.backoff_max must not be less than agents.backoff_initial")
	}
	if a.Workers < 1 || a.MaxInflightPushes < 1 {
		return fmt.Errorf("agents.workers and agents.max_inflight_pushes must be positive")
	}
	if a.DispatchRate < 0 {
		return fmt.Errorf("agents.dispatch_rate must not be negative")
	}
	switch a.SupersedePolicy {
	case "immediate", "after_ack":
	default:
		return fmt.Errorf("agents.supersede_policy %q is not one of immediate, after_ack", a.SupersedePolicy)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	a := &cfg.Agents
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", a.HeartbeatIntervalRaw, &a.HeartbeatInterval},
		{"heartbeat_timeout", a.HeartbeatTimeoutRaw, &a.HeartbeatTimeout},
		{"handshake_timeout", a.HandshakeTimeoutRaw, &a.HandshakeTimeout},
		{"push_timeout", a.PushTimeoutRaw, &a.PushTimeout},
		{"backoff_initial", a.BackoffInitialRaw, &a.BackoffInitial},
		{"backoff_max", a.BackoffMaxRaw, &a.BackoffMax},
		{"failure_cooldown", a.FailureCooldownRaw, &a.FailureCooldown},
		{"drain_timeout", a.DrainTimeoutRaw, &a.DrainTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
