// Package config holds all aide configuration.
// Configuration is loaded from a YAML file; every field has a sensible
// default so a missing or partial file still yields a runnable config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the complete aide configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory; database, logs and extension state live under it.
	DataDir string `yaml:"data_dir"`

	LLM       LLMConfig       `yaml:"llm"`
	Memory    MemoryConfig    `yaml:"memory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig configures the embedded SQLite store.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
	// Busy timeout in milliseconds applied per connection.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	MaxWSConnections int    `yaml:"max_ws_connections"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // optional file sink; empty = stderr only
}

// TelemetryConfig configures the telemetry collector.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Seconds between background flushes of the metric buffer.
	CollectInterval int `yaml:"collect_interval"`
	RetentionDays   int `yaml:"retention_days"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "aide",
		Version: "1.0.0",
		DataDir: "data",
		LLM:     DefaultLLMConfig(),
		Memory:  DefaultMemoryConfig(),
		Telemetry: TelemetryConfig{
			Enabled:         true,
			CollectInterval: 60,
			RetentionDays:   30,
		},
		Database: DatabaseConfig{
			Path:          filepath.Join("data", "aide.db"),
			PoolSize:      5,
			BusyTimeoutMS: 5000,
		},
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8741,
			MaxWSConnections: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path, merging over defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Database.PoolSize <= 0 {
		c.Database.PoolSize = 5
	}
	if c.Database.BusyTimeoutMS <= 0 {
		c.Database.BusyTimeoutMS = 5000
	}
	if c.Telemetry.CollectInterval <= 0 {
		c.Telemetry.CollectInterval = 60
	}
	c.LLM.normalize()
	c.Memory.normalize()
}

// normalizeKeepAlive accepts the two historical representations of the
// Ollama keep-alive value (bare integer or duration string) and returns
// the canonical string form.
func normalizeKeepAlive(v string) string {
	if v == "" {
		return "-1"
	}
	if n, err := strconv.Atoi(v); err == nil {
		return strconv.Itoa(n)
	}
	return v
}
