// Package config manages packet-forwarder configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
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
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete forwarder configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Forward ForwardConfig `koanf:"forward"`
	Ports   []PortConfig  `koanf:"ports"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ForwardConfig holds the forwarding-core parameters that correspond to
// the command line's -q and -p flags, plus the data-path timing knobs.
type ForwardConfig struct {
	// RequestedQueues is the receive-queue count requested per port
	// (the -q flag), 1 <= N <= 16.
	RequestedQueues int `koanf:"requested_queues"`

	// RestrictPort, when >= 0, limits forwarding to this single receive
	// port id (the -p flag). A negative value means every probed port.
	RestrictPort int `koanf:"restrict_port"`

	// RxDelay is how long an lcore sleeps after an empty receive burst.
	RxDelay string `koanf:"rx_delay"`

	// PollDelay is the stats aggregator's reporting interval.
	PollDelay string `koanf:"poll_delay"`

	// SlowMotion selects the 10-retry/10ms-sleep send configuration over
	// the default 3-retry/CPU-relax one, for debugging backpressure.
	SlowMotion bool `koanf:"slow_motion"`
}

// PortConfig describes one physical port's requested geometry, handed to
// the NIC collaborator's StartAll.
type PortConfig struct {
	PortID       uint16 `koanf:"port_id"`
	NUMASocket   int    `koanf:"numa_socket"`
	RxQueueDepth uint16 `koanf:"rx_queue_depth"`
	TxQueueDepth uint16 `koanf:"tx_queue_depth"`
}

// RxDelayDuration parses RxDelay as a time.Duration.
func (f ForwardConfig) RxDelayDuration() (time.Duration, error) {
	return time.ParseDuration(f.RxDelay)
}

// PollDelayDuration parses PollDelay as a time.Duration.
func (f ForwardConfig) PollDelayDuration() (time.Duration, error) {
	return time.ParseDuration(f.PollDelay)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Forward: ForwardConfig{
			RequestedQueues: 3,
			RestrictPort:    -1,
			RxDelay:         "100ms",
			PollDelay:       "1s",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for forwarder configuration.
// Variables are named PKTFWD_<section>_<key>, e.g., PKTFWD_LOG_LEVEL.
const envPrefix = "PKTFWD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PKTFWD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
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
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms PKTFWD_LOG_LEVEL -> log.level.
// Strips the PKTFWD_ prefix, lowercases, and replaces _ with .
// Multi-word keys like forward.requested_queues are reachable only through
// the YAML file, since the underscore is indistinguishable from a section
// separator in an environment variable name.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"forward.requested_queues": defaults.Forward.RequestedQueues,
		"forward.restrict_port":    defaults.Forward.RestrictPort,
		"forward.rx_delay":         defaults.Forward.RxDelay,
		"forward.poll_delay":       defaults.Forward.PollDelay,
		"forward.slow_motion":      defaults.Forward.SlowMotion,
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
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidRequestedQueues indicates forward.requested_queues is out of
	// the 1..16 range the -q flag enforces.
	ErrInvalidRequestedQueues = errors.New("forward.requested_queues must be between 1 and 16")

	// ErrInvalidRxDelay indicates forward.rx_delay failed to parse as a duration.
	ErrInvalidRxDelay = errors.New("forward.rx_delay is not a valid duration")

	// ErrInvalidPollDelay indicates forward.poll_delay failed to parse as a duration.
	ErrInvalidPollDelay = errors.New("forward.poll_delay is not a valid duration")

	// ErrDuplicatePortID indicates two port entries share the same port_id.
	ErrDuplicatePortID = errors.New("duplicate port_id")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if cfg.Forward.RequestedQueues < 1 || cfg.Forward.RequestedQueues > 16 {
		return ErrInvalidRequestedQueues
	}

	if _, err := cfg.Forward.RxDelayDuration(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRxDelay, err)
	}

	if _, err := cfg.Forward.PollDelayDuration(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPollDelay, err)
	}

	if err := validatePorts(cfg.Ports); err != nil {
		return err
	}

	return nil
}

func validatePorts(ports []PortConfig) error {
	seen := make(map[uint16]struct{}, len(ports))
	for i, p := range ports {
		if _, dup := seen[p.PortID]; dup {
			return fmt.Errorf("ports[%d] port_id %d: %w", i, p.PortID, ErrDuplicatePortID)
		}
		seen[p.PortID] = struct{}{}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
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
