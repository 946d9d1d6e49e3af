package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration. All values are static
// for the process lifetime; there is no runtime renegotiation.
type Config struct {
	Uplink  UplinkConfig  `yaml:"uplink"`
	Browser BrowserConfig `yaml:"browser"`
	Router  RouterConfig  `yaml:"router"`
	Journal JournalConfig `yaml:"journal"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// UplinkConfig holds the persistent connection settings.
type UplinkConfig struct {
	// Endpoint is the primary control server WebSocket URL.
	Endpoint string `yaml:"endpoint"`
	// FallbackEndpoint, when set, is tried after the primary fails within
	// the same connect attempt.
	FallbackEndpoint string `yaml:"fallback_endpoint,omitempty"`
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// HeartbeatInterval is the period of liveness frames while connected.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ConnectTimeout bounds a single handshake; a connect attempt that does
	// not complete in time is treated as failed.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxReconnectAttempts bounds consecutive automatic reconnects after an
	// unclean close. Exhaustion is terminal until a manual reconnect.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// BrowserConfig holds the chromedp sandbox settings.
type BrowserConfig struct {
	// RemoteURL is the CDP WebSocket endpoint of an already-running Chrome.
	// If empty, a local Chrome instance is launched.
	RemoteURL string `yaml:"remote_url,omitempty"`
	// Headless controls whether a locally launched Chrome runs headless.
	Headless bool `yaml:"headless"`
	// ActionTimeout is the per-extraction timeout enforced by the sandbox.
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// AllowedOrigins are glob patterns matched against a tab's URL origin
	// (scheme://host). A tab on an unlisted origin never qualifies as an
	// execution target.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Breaker configures the optional sandbox circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the sandbox circuit breaker. Disabled by default.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RouterConfig holds request admission settings.
type RouterConfig struct {
	// RateLimit is the maximum number of extraction requests admitted per
	// RateWindow. 0 disables admission control.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// JournalConfig holds the activity journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention is the age past which journal rows are pruned.
	Retention time.Duration `yaml:"retention"`
	// SweepSchedule is a cron expression for the retention sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Uplink: UplinkConfig{
			ReconnectDelay:       2000 * time.Millisecond,
			HeartbeatInterval:    30 * time.Second,
			ConnectTimeout:       5 * time.Second,
			MaxReconnectAttempts: 3,
		},
		Browser: BrowserConfig{
			Headless:       true,
			ActionTimeout:  30 * time.Second,
			AllowedOrigins: []string{"https://*", "http://localhost*"},
		},
		Router: RouterConfig{
			RateWindow: time.Minute,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "tabrelay.db",
			Retention:     7 * 24 * time.Hour,
			SweepSchedule: "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads configuration from path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies TABRELAY_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TABRELAY_ENDPOINT"); v != "" {
		cfg.Uplink.Endpoint = v
	}
	if v := os.Getenv("TABRELAY_FALLBACK_ENDPOINT"); v != "" {
		cfg.Uplink.FallbackEndpoint = v
	}
	if v := os.Getenv("TABRELAY_RECONNECT_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Uplink.ReconnectDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TABRELAY_HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Uplink.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TABRELAY_CONNECT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Uplink.ConnectTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TABRELAY_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Uplink.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("TABRELAY_BROWSER_REMOTE_URL"); v != "" {
		cfg.Browser.RemoteURL = v
	}
	if v := os.Getenv("TABRELAY_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}

// Validate checks cfg for values that cannot possibly work.
func Validate(cfg *Config) error {
	if cfg.Uplink.Endpoint == "" {
		return fmt.Errorf("uplink.endpoint is required")
	}
	for _, ep := range []string{cfg.Uplink.Endpoint, cfg.Uplink.FallbackEndpoint} {
		if ep == "" {
			continue
		}
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", ep, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("endpoint %q: scheme must be ws or wss", ep)
		}
	}
	if cfg.Uplink.MaxReconnectAttempts < 0 {
		return fmt.Errorf("uplink.max_reconnect_attempts must be >= 0")
	}
	if cfg.Uplink.ConnectTimeout <= 0 {
		return fmt.Errorf("uplink.connect_timeout must be positive")
	}
	if cfg.Uplink.HeartbeatInterval <= 0 {
		return fmt.Errorf("uplink.heartbeat_interval must be positive")
	}
	if cfg.Router.RateLimit > 0 && cfg.Router.RateWindow <= 0 {
		return fmt.Errorf("router.rate_window must be positive when rate_limit is set")
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	switch strings.ToLower(cfg.Tracer.Exporter) {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracer.exporter must be noop or stdout")
	}
	return nil
}
