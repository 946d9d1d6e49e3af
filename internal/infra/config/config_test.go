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
	cfg := Defaults()

	assert.Equal(t, 2000*time.Millisecond, cfg.Uplink.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Uplink.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Uplink.ConnectTimeout)
	assert.Equal(t, 3, cfg.Uplink.MaxReconnectAttempts)
	assert.Zero(t, cfg.Router.RateLimit, "admission control is off by default")
	assert.False(t, cfg.Browser.Breaker.Enabled, "breaker is off by default")
	assert.True(t, cfg.Journal.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TABRELAY_ENDPOINT", "wss://control.example.com/agent")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "wss://control.example.com/agent", cfg.Uplink.Endpoint)
	assert.Equal(t, 3, cfg.Uplink.MaxReconnectAttempts)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
uplink:
  endpoint: ws://localhost:9100/agent
  max_reconnect_attempts: 5
router:
  rate_limit: 10
  rate_window: 30s
logger:
  level: debug
`), 0600))

	t.Setenv("TABRELAY_MAX_RECONNECT_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9100/agent", cfg.Uplink.Endpoint)
	assert.Equal(t, 7, cfg.Uplink.MaxReconnectAttempts, "env wins over file")
	assert.Equal(t, 10, cfg.Router.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Router.RateWindow)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Uplink.Endpoint = "wss://control.example.com/agent"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Uplink.Endpoint = "" }},
		{"http scheme", func(c *Config) { c.Uplink.Endpoint = "https://control.example.com" }},
		{"bad fallback scheme", func(c *Config) { c.Uplink.FallbackEndpoint = "tcp://x" }},
		{"negative attempts", func(c *Config) { c.Uplink.MaxReconnectAttempts = -1 }},
		{"zero connect timeout", func(c *Config) { c.Uplink.ConnectTimeout = 0 }},
		{"zero heartbeat", func(c *Config) { c.Uplink.HeartbeatInterval = 0 }},
		{"rate limit without window", func(c *Config) { c.Router.RateLimit = 5; c.Router.RateWindow = 0 }},
		{"journal without path", func(c *Config) { c.Journal.Path = "" }},
		{"unknown exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }},
	}

	require.NoError(t, Validate(valid()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
