// Package config provides configuration loading for studiod.
//
// Precedence (highest to lowest): environment variables, YAML config
// file, hardcoded defaults. Environment variables use underscore
// separators, e.g. SERVER_PORT -> server.port,
// ORCHESTRATOR_MAX_ITERATIONS -> orchestrator.max_iterations.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Backend selects a storage implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Config is the root configuration for studiod.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Agent        AgentConfig        `koanf:"agent"`
	Events       EventsConfig       `koanf:"events"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	Backend Backend `koanf:"backend"`
	// Path is the directory holding the SQLite databases.
	Path string `koanf:"path"`
}

// OrchestratorConfig bounds pipeline execution.
type OrchestratorConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	SessionTTL    Duration `koanf:"session_ttl"`
	AgentTimeout  Duration `koanf:"agent_timeout"`
	MaxConcurrent int      `koanf:"max_concurrent"`
	SweepInterval Duration `koanf:"sweep_interval"`
	WorkDirBase   string   `koanf:"work_dir"`
}

// AgentConfig configures the external agent command.
type AgentConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// EventsConfig configures the NATS event stream.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    "data",
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations: 5,
			SessionTTL:    Duration(7 * 24 * time.Hour),
			AgentTimeout:  Duration(300 * time.Second),
			MaxConcurrent: 8,
			SweepInterval: Duration(10 * time.Minute),
			WorkDirBase:   "projects",
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"-p"},
		},
		Events: EventsConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when the
// file does not exist) and the environment, layered over defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	// SERVER_PORT -> server.port, ORCHESTRATOR_MAX_ITERATIONS ->
	// orchestrator.max_iterations. Only the first underscore splits the
	// section from the key.
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var sections = []string{"server", "store", "orchestrator", "agent", "events", "logging"}

func envTransform(s string) string {
	lower := strings.ToLower(s)
	for _, section := range sections {
		if strings.HasPrefix(lower, section+"_") {
			return section + "." + strings.TrimPrefix(lower, section+"_")
		}
	}
	return ""
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendSQLite, BackendMemory, c.Store.Backend)
	}
	if c.Store.Backend == BackendSQLite && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite backend")
	}
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator.max_iterations must be at least 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be at least 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	if c.Orchestrator.AgentTimeout.Duration() <= 0 {
		return fmt.Errorf("orchestrator.agent_timeout must be positive")
	}
	if c.Orchestrator.SessionTTL.Duration() <= 0 {
		return fmt.Errorf("orchestrator.session_ttl must be positive")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", c.Logging.Format)
	}
	return nil
}
