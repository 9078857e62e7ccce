// ABOUTME: Configuration loading and parsing for perch
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete perch configuration
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Pool      PoolConfig      `yaml:"pool"`
	Queue     QueueConfig     `yaml:"queue"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig holds the chat gateway endpoint configuration
type GatewayConfig struct {
	Host string `yaml:"host"`
	TLS  bool   `yaml:"tls"`
}

// PoolConfig holds connection pool and reconnection tuning
type PoolConfig struct {
	Capacity             int `yaml:"capacity"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	ReconnectBase time.Duration `yaml:"-"`
	ReconnectMax  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectBaseRaw string `yaml:"reconnect_base"`
	ReconnectMaxRaw  string `yaml:"reconnect_max"`
}

// QueueConfig selects and configures the durable outbound queue backend
type QueueConfig struct {
	Backend string       `yaml:"backend"` // "sqlite", "redis", or "memory"
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Redis   RedisConfig  `yaml:"redis"`
}

// SQLiteConfig holds the SQLite queue backend configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the Redis queue backend configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// WorkspaceConfig holds the workspace feed configuration
type WorkspaceConfig struct {
	ID string `yaml:"id"`

	GraceWindow time.Duration `yaml:"-"`

	GraceWindowRaw string `yaml:"grace_window"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenTTL time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("workspace.id is required")
	}

	switch c.Queue.Backend {
	case "", "memory":
		// In-memory queue needs no further configuration.
	case "sqlite":
		if c.Queue.SQLite.Path == "" {
			return fmt.Errorf("queue.sqlite.path is required when queue.backend is sqlite")
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required when queue.backend is redis")
		}
	default:
		return fmt.Errorf("queue.backend must be one of sqlite, redis, memory (got %q)", c.Queue.Backend)
	}

	if c.Pool.Capacity < 0 {
		return fmt.Errorf("pool.capacity must not be negative")
	}
	if c.Pool.MaxReconnectAttempts < 0 {
		return fmt.Errorf("pool.max_reconnect_attempts must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Pool.ReconnectBaseRaw != "" {
		cfg.Pool.ReconnectBase, err = time.ParseDuration(cfg.Pool.ReconnectBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_base %q: %w", cfg.Pool.ReconnectBaseRaw, err)
		}
	}

	if cfg.Pool.ReconnectMaxRaw != "" {
		cfg.Pool.ReconnectMax, err = time.ParseDuration(cfg.Pool.ReconnectMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_max %q: %w", cfg.Pool.ReconnectMaxRaw, err)
		}
	}

	if cfg.Queue.Redis.TTLRaw != "" {
		cfg.Queue.Redis.TTL, err = time.ParseDuration(cfg.Queue.Redis.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing queue.redis.ttl %q: %w", cfg.Queue.Redis.TTLRaw, err)
		}
	}

	if cfg.Workspace.GraceWindowRaw != "" {
		cfg.Workspace.GraceWindow, err = time.ParseDuration(cfg.Workspace.GraceWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing grace_window %q: %w", cfg.Workspace.GraceWindowRaw, err)
		}
	}

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	return nil
}
