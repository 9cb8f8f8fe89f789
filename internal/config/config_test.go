package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 7*24*time.Hour, cfg.Orchestrator.SessionTTL.Duration())
	assert.Equal(t, 300*time.Second, cfg.Orchestrator.AgentTimeout.Duration())
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrent)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.False(t, cfg.Events.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studiod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
store:
  backend: memory
orchestrator:
  max_iterations: 3
  agent_timeout: 30s
agent:
  command: fakeagent
  args: ["--quiet"]
logging:
  level: debug
  format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.AgentTimeout.Duration())
	assert.Equal(t, "fakeagent", cfg.Agent.Command)
	assert.Equal(t, []string{"--quiet"}, cfg.Agent.Args)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// unset keys keep defaults
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrent)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studiod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	t.Setenv("SERVER_PORT", "9200")
	t.Setenv("ORCHESTRATOR_MAX_ITERATIONS", "2")
	t.Setenv("ORCHESTRATOR_SESSION_TTL", "48h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 48*time.Hour, cfg.Orchestrator.SessionTTL.Duration())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studiod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"zero iterations", func(c *Config) { c.Orchestrator.MaxIterations = 0 }},
		{"zero concurrency", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }},
		{"zero agent timeout", func(c *Config) { c.Orchestrator.AgentTimeout = 0 }},
		{"zero session ttl", func(c *Config) { c.Orchestrator.SessionTTL = 0 }},
		{"events without url", func(c *Config) { c.Events.Enabled = true; c.Events.URL = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration(time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", string(text))
}
