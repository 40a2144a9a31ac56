// Package config manages goneon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kohanmathers/goneon/internal/neon"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete goneon configuration. One file covers all
// three roles; each subcommand reads only its own section plus the
// ambient ones.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Relay   RelayConfig   `koanf:"relay"`
	Host    HostConfig    `koanf:"host"`
	Client  ClientConfig  `koanf:"client"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// An empty Addr disables the endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// RelayConfig holds the relay node parameters.
type RelayConfig struct {
	// Bind is the UDP listen address.
	Bind string `koanf:"bind"`

	// PeerTimeout is the silence window after which non-host peers are
	// evicted.
	PeerTimeout time.Duration `koanf:"peer_timeout"`

	// CleanupInterval is the aging sweep period.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// HostConfig holds the host node parameters.
type HostConfig struct {
	// Relay is the relay address the host registers with.
	Relay string `koanf:"relay"`

	// SessionID is loaded with the rest of the file, but the host
	// subcommand does not read it: the owned session id comes from the
	// command's argument, or is random when that is absent or
	// unparseable.
	SessionID uint32 `koanf:"session_id"`

	// SettleDelay is the pause between admission and the first
	// reliable send.
	SettleDelay time.Duration `koanf:"settle_delay"`

	// TickRate is the advertised simulation tick rate in Hz.
	TickRate uint16 `koanf:"tick_rate"`

	// MaxPacketSize is the advertised application datagram limit.
	MaxPacketSize uint16 `koanf:"max_packet_size"`
}

// ClientConfig holds the client node parameters.
type ClientConfig struct {
	// Relay is the relay address to join through.
	Relay string `koanf:"relay"`

	// AutoPing enables the periodic liveness probe.
	AutoPing bool `koanf:"auto_ping"`

	// PingInterval is the auto-ping period.
	PingInterval time.Duration `koanf:"ping_interval"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultRelayAddr is the out-of-band well-known relay address clients
// and hosts fall back to.
const DefaultRelayAddr = "127.0.0.1:7777"

// DefaultConfig returns a Config populated with the protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Relay: RelayConfig{
			Bind:            "0.0.0.0:7777",
			PeerTimeout:     15 * time.Second,
			CleanupInterval: 5 * time.Second,
		},
		Host: HostConfig{
			Relay:         DefaultRelayAddr,
			SessionID:     0,
			SettleDelay:   50 * time.Millisecond,
			TickRate:      60,
			MaxPacketSize: neon.MaxDatagramSize,
		},
		Client: ClientConfig{
			Relay:        DefaultRelayAddr,
			AutoPing:     true,
			PingInterval: 5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for goneon
// configuration. Variables are named NEON_<section>__<key>, e.g.,
// NEON_RELAY__BIND; the double underscore separates nesting levels so
// multi-word keys survive the mapping.
const envPrefix = "NEON_"

// Load reads configuration from a YAML file at path (skipped when path
// is empty), overlays environment variable overrides, and merges both
// on top of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms NEON_RELAY__PEER_TIMEOUT -> relay.peer_timeout.
// Strips the prefix, lowercases, and replaces __ with the key delimiter.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"relay.bind":             defaults.Relay.Bind,
		"relay.peer_timeout":     defaults.Relay.PeerTimeout.String(),
		"relay.cleanup_interval": defaults.Relay.CleanupInterval.String(),
		"host.relay":             defaults.Host.Relay,
		"host.session_id":        defaults.Host.SessionID,
		"host.settle_delay":      defaults.Host.SettleDelay.String(),
		"host.tick_rate":         defaults.Host.TickRate,
		"host.max_packet_size":   defaults.Host.MaxPacketSize,
		"client.relay":           defaults.Client.Relay,
		"client.auto_ping":       defaults.Client.AutoPing,
		"client.ping_interval":   defaults.Client.PingInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyRelayBind indicates the relay bind address is empty.
	ErrEmptyRelayBind = errors.New("relay.bind must not be empty")

	// ErrInvalidPeerTimeout indicates the peer timeout is not positive.
	ErrInvalidPeerTimeout = errors.New("relay.peer_timeout must be > 0")

	// ErrInvalidCleanupInterval indicates the cleanup interval is not
	// positive.
	ErrInvalidCleanupInterval = errors.New("relay.cleanup_interval must be > 0")

	// ErrInvalidTickRate indicates the advertised tick rate is zero.
	ErrInvalidTickRate = errors.New("host.tick_rate must be >= 1")

	// ErrInvalidMaxPacketSize indicates the advertised packet limit
	// exceeds the wire maximum.
	ErrInvalidMaxPacketSize = errors.New("host.max_packet_size must be between 1 and 1024")

	// ErrInvalidPingInterval indicates the auto-ping period is not
	// positive.
	ErrInvalidPingInterval = errors.New("client.ping_interval must be > 0")

	// ErrInvalidSettleDelay indicates a negative settle delay.
	ErrInvalidSettleDelay = errors.New("host.settle_delay must be >= 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Relay.Bind == "" {
		return ErrEmptyRelayBind
	}
	if cfg.Relay.PeerTimeout <= 0 {
		return ErrInvalidPeerTimeout
	}
	if cfg.Relay.CleanupInterval <= 0 {
		return ErrInvalidCleanupInterval
	}
	if cfg.Host.SettleDelay < 0 {
		return ErrInvalidSettleDelay
	}
	if cfg.Host.TickRate < 1 {
		return ErrInvalidTickRate
	}
	if cfg.Host.MaxPacketSize < 1 || cfg.Host.MaxPacketSize > neon.MaxDatagramSize {
		return ErrInvalidMaxPacketSize
	}
	if cfg.Client.PingInterval <= 0 {
		return ErrInvalidPingInterval
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
