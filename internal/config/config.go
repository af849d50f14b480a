// Package config loads the signaling core's runtime configuration from an
// optional YAML file, overridden by environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/gridstreamer-signaling/config.yaml"

// Config holds all configuration for the signaling core.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// Namespace and ProtocolVersion select the handshake URL prefix:
	// /{Namespace}/{ProtocolVersion}/.
	Namespace       string `yaml:"namespace"`
	ProtocolVersion string `yaml:"protocol_version"`

	// SessionCheckInterval is how often the session container sweep runs.
	SessionCheckInterval time.Duration `yaml:"session_check_interval"`

	// SessionExpiry is how long an unattended session lives before it is
	// swept, measured from its last promotion.
	SessionExpiry time.Duration `yaml:"session_expiry"`

	// HeartbeatInterval is the period of the per-session heartbeat timer.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// XHRPollingTimeout is how long an idle XHR/JSONP poll is held open
	// before a Noop is emitted to close it out.
	XHRPollingTimeout time.Duration `yaml:"xhr_polling_timeout"`

	// ClientTimeout is added to HeartbeatInterval/XHRPollingTimeout to
	// derive the handshake descriptor's heartbeat_timeout/close_timeout.
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// MissedHeartbeatThreshold is the number of consecutive missed
	// heartbeats tolerated before a session is closed.
	MissedHeartbeatThreshold int `yaml:"missed_heartbeat_threshold"`

	// EnabledProtocols lists the transport names advertised at handshake
	// and accepted by the router, in advertised order.
	EnabledProtocols []string `yaml:"enabled_protocols"`

	// WebsocketCheck, when true, requires an initial client message before
	// a websocket/flashsocket connection is considered live.
	WebsocketCheck bool `yaml:"websocket_check"`

	// GlobalHeartbeats, when true, starts a session's heartbeat timer at
	// handshake time rather than on first transport attach.
	GlobalHeartbeats bool `yaml:"global_heartbeats"`
}

// DefaultConfig returns a Config populated with the documented default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":8080",
		Namespace:                "socket.io",
		ProtocolVersion:          "1",
		SessionCheckInterval:     15 * time.Second,
		SessionExpiry:            30 * time.Second,
		HeartbeatInterval:        12 * time.Second,
		XHRPollingTimeout:        20 * time.Second,
		ClientTimeout:            5 * time.Second,
		MissedHeartbeatThreshold: 2,
		EnabledProtocols:         []string{"websocket", "flashsocket", "xhr-polling", "jsonp-polling", "htmlfile"},
		WebsocketCheck:           false,
		GlobalHeartbeats:         true,
	}
}

// HeartbeatTimeout is the handshake descriptor's heartbeat_timeout field:
// heartbeat_interval + client_timeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval + c.ClientTimeout
}

// CloseTimeout is the handshake descriptor's close_timeout field:
// xhr_polling_timeout + client_timeout.
func (c *Config) CloseTimeout() time.Duration {
	return c.XHRPollingTimeout + c.ClientTimeout
}

// Load loads configuration from a YAML file and overrides with environment
// variables. Environment variables take precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := defaultConfigPath
	if envPath := os.Getenv("GRIDSTREAMER_SIGNALING_CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	if err := loadConfigFile(cfg, configPath); err != nil {
		slog.Warn("could not load config file, using defaults and env vars",
			"path", configPath,
			"error", err,
		)
	} else {
		slog.Info("loaded config file", "path", configPath)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	// yaml.v3 does not decode time.Duration from plain integers the way
	// encoding/json does, so durations in the file are accepted as
	// Go duration strings ("15s", "30s", ...); unmarshal into a shadow
	// struct first.
	var shadow configYAML
	if err := yaml.Unmarshal(data, &shadow); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	shadow.applyTo(cfg)

	return nil
}

// configYAML mirrors Config but with string fields for durations, since
// the YAML file expresses them as "15s"-style strings.
type configYAML struct {
	ListenAddr               *string  `yaml:"listen_addr"`
	Namespace                *string  `yaml:"namespace"`
	ProtocolVersion          *string  `yaml:"protocol_version"`
	SessionCheckInterval     *string  `yaml:"session_check_interval"`
	SessionExpiry            *string  `yaml:"session_expiry"`
	HeartbeatInterval        *string  `yaml:"heartbeat_interval"`
	XHRPollingTimeout        *string  `yaml:"xhr_polling_timeout"`
	ClientTimeout            *string  `yaml:"client_timeout"`
	MissedHeartbeatThreshold *int     `yaml:"missed_heartbeat_threshold"`
	EnabledProtocols         []string `yaml:"enabled_protocols"`
	WebsocketCheck           *bool    `yaml:"websocket_check"`
	GlobalHeartbeats         *bool    `yaml:"global_heartbeats"`
}

func (y *configYAML) applyTo(cfg *Config) {
	setStr(&cfg.ListenAddr, y.ListenAddr)
	setStr(&cfg.Namespace, y.Namespace)
	setStr(&cfg.ProtocolVersion, y.ProtocolVersion)
	setDuration(&cfg.SessionCheckInterval, y.SessionCheckInterval)
	setDuration(&cfg.SessionExpiry, y.SessionExpiry)
	setDuration(&cfg.HeartbeatInterval, y.HeartbeatInterval)
	setDuration(&cfg.XHRPollingTimeout, y.XHRPollingTimeout)
	setDuration(&cfg.ClientTimeout, y.ClientTimeout)
	if y.MissedHeartbeatThreshold != nil {
		cfg.MissedHeartbeatThreshold = *y.MissedHeartbeatThreshold
	}
	if len(y.EnabledProtocols) > 0 {
		cfg.EnabledProtocols = y.EnabledProtocols
	}
	if y.WebsocketCheck != nil {
		cfg.WebsocketCheck = *y.WebsocketCheck
	}
	if y.GlobalHeartbeats != nil {
		cfg.GlobalHeartbeats = *y.GlobalHeartbeats
	}
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) {
	if v == nil {
		return
	}
	if d, err := time.ParseDuration(*v); err == nil {
		*dst = d
	} else {
		slog.Warn("ignoring invalid duration in config file", "value", *v, "error", err)
	}
}

// applyEnvOverrides applies GRIDSTREAMER_SIGNALING_* environment variable
// overrides to the config. Environment variables take precedence over both
// defaults and the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_PROTOCOL_VERSION"); v != "" {
		cfg.ProtocolVersion = v
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_SESSION_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionCheckInterval = d
		}
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_SESSION_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionExpiry = d
		}
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_XHR_POLLING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.XHRPollingTimeout = d
		}
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClientTimeout = d
		}
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_MISSED_HEARTBEAT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MissedHeartbeatThreshold = n
		}
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_ENABLED_PROTOCOLS"); v != "" {
		cfg.EnabledProtocols = strings.Split(v, ",")
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_WEBSOCKET_CHECK"); v != "" {
		cfg.WebsocketCheck = v == "true" || v == "1"
	}
	if v := os.Getenv("GRIDSTREAMER_SIGNALING_GLOBAL_HEARTBEATS"); v != "" {
		cfg.GlobalHeartbeats = v == "true" || v == "1"
	}
}

// validate ensures the loaded configuration is internally consistent.
func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.ProtocolVersion == "" {
		return fmt.Errorf("protocol version is required")
	}
	if len(cfg.EnabledProtocols) == 0 {
		return fmt.Errorf("at least one transport must be enabled")
	}
	if cfg.MissedHeartbeatThreshold < 1 {
		return fmt.Errorf("missed heartbeat threshold must be at least 1")
	}
	if cfg.SessionExpiry <= 0 || cfg.HeartbeatInterval <= 0 || cfg.XHRPollingTimeout <= 0 {
		return fmt.Errorf("session_expiry, heartbeat_interval, and xhr_polling_timeout must be positive")
	}
	return nil
}
