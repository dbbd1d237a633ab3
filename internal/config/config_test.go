// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers defaults, duration parsing, and every validation failure.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  id: ai.coven.agent
  name: Coven Agent
store:
  path: /var/lib/coven/context.db
exchange:
  interval: 10s
  min_confidence: 0.8
  push_limit: 50
  allowed_peers:
    - com.example.notes
  allowed_types:
    - user_intent
  system_wide: true
transports:
  staging_dir: /tmp/coven-staging
  notifybus:
    enabled: true
    notification: ai.coven.context
    spool_dir: /tmp/coven-spool
  msgbus:
    enabled: true
    bus_name: ai.coven.ContextHub
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ai.coven.agent", cfg.App.ID)
	assert.Equal(t, 10*time.Second, cfg.Exchange.Interval)
	assert.Equal(t, 0.8, cfg.Exchange.MinConfidence)
	assert.Equal(t, 50, cfg.Exchange.PushLimit)
	assert.Equal(t, []string{"com.example.notes"}, cfg.Exchange.AllowedPeers)
	assert.True(t, cfg.Exchange.SystemWide)
	assert.True(t, cfg.Transports.NotifyBus.Enabled)
	assert.Equal(t, "/tmp/coven-spool", cfg.Transports.NotifyBus.SpoolDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
store:
  in_memory: true
transports:
  msgbus:
    enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ai.coven.agent", cfg.App.ID)
	assert.Equal(t, 5*time.Second, cfg.Exchange.Interval)
	assert.Equal(t, 0.7, cfg.Exchange.MinConfidence)
	assert.Equal(t, 20, cfg.Exchange.PushLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.NotEmpty(t, cfg.Transports.StagingDir)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("COVEN_TEST_DB", "/tmp/env-expanded.db")
	path := writeConfig(t, `
store:
  path: ${COVEN_TEST_DB}
transports:
  msgbus:
    enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-expanded.db", cfg.Store.Path)
}

func TestLoad_MissingEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
store:
  path: ${COVEN_DEFINITELY_UNSET_VAR}
transports:
  msgbus:
    enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.path")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
store:
  in_memory: true
exchange:
  interval: not-a-duration
transports:
  msgbus:
    enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no store backing",
			mutate:  func(c *Config) { c.Store.InMemory = false },
			wantErr: "store.path",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *Config) { c.Exchange.MinConfidence = 1.5 },
			wantErr: "min_confidence",
		},
		{
			name:    "push limit too small",
			mutate:  func(c *Config) { c.Exchange.PushLimit = -1 },
			wantErr: "push_limit",
		},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.Exchange.Interval = 100 * time.Millisecond },
			wantErr: "interval",
		},
		{
			name: "no transports",
			mutate: func(c *Config) {
				c.Transports.NotifyBus.Enabled = false
				c.Transports.AutoHost.Enabled = false
				c.Transports.MsgBus.Enabled = false
			},
			wantErr: "at least one transport",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Store.InMemory)
	assert.True(t, cfg.Transports.Emulation)
}
