package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vegetab1e/packet-forwarder/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.Forward.RequestedQueues != 3 {
		t.Errorf("Forward.RequestedQueues = %d, want 3", cfg.Forward.RequestedQueues)
	}

	if cfg.Forward.RestrictPort != -1 {
		t.Errorf("Forward.RestrictPort = %d, want -1 (unrestricted)", cfg.Forward.RestrictPort)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
forward:
  requested_queues: 8
  restrict_port: 0
  rx_delay: "50ms"
  poll_delay: "2s"
  slow_motion: true
ports:
  - port_id: 0
    numa_socket: 0
    rx_queue_depth: 1024
    tx_queue_depth: 1024
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Forward.RequestedQueues != 8 {
		t.Errorf("Forward.RequestedQueues = %d, want 8", cfg.Forward.RequestedQueues)
	}

	if cfg.Forward.RestrictPort != 0 {
		t.Errorf("Forward.RestrictPort = %d, want 0", cfg.Forward.RestrictPort)
	}

	if !cfg.Forward.SlowMotion {
		t.Error("Forward.SlowMotion = false, want true")
	}

	if len(cfg.Ports) != 1 || cfg.Ports[0].PortID != 0 || cfg.Ports[0].RxQueueDepth != 1024 {
		t.Errorf("Ports = %+v, want one port_id=0 rx_queue_depth=1024", cfg.Ports)
	}

	rxDelay, err := cfg.Forward.RxDelayDuration()
	if err != nil || rxDelay != 50*time.Millisecond {
		t.Errorf("RxDelayDuration() = %v, %v, want 50ms, nil", rxDelay, err)
	}

	pollDelay, err := cfg.Forward.PollDelayDuration()
	if err != nil || pollDelay != 2*time.Second {
		t.Errorf("PollDelayDuration() = %v, %v, want 2s, nil", pollDelay, err)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override log.level and forward.requested_queues.
	// Everything else should inherit from defaults.
	yamlContent := `
log:
  level: "warn"
forward:
  requested_queues: 5
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.Forward.RequestedQueues != 5 {
		t.Errorf("Forward.RequestedQueues = %d, want 5", cfg.Forward.RequestedQueues)
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.Forward.RestrictPort != -1 {
		t.Errorf("Forward.RestrictPort = %d, want default -1", cfg.Forward.RestrictPort)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty metrics addr",
			modify: func(cfg *config.Config) {
				cfg.Metrics.Addr = ""
			},
			wantErr: config.ErrEmptyMetricsAddr,
		},
		{
			name: "zero requested queues",
			modify: func(cfg *config.Config) {
				cfg.Forward.RequestedQueues = 0
			},
			wantErr: config.ErrInvalidRequestedQueues,
		},
		{
			name: "requested queues over 16",
			modify: func(cfg *config.Config) {
				cfg.Forward.RequestedQueues = 17
			},
			wantErr: config.ErrInvalidRequestedQueues,
		},
		{
			name: "unparseable rx delay",
			modify: func(cfg *config.Config) {
				cfg.Forward.RxDelay = "not-a-duration"
			},
			wantErr: config.ErrInvalidRxDelay,
		},
		{
			name: "unparseable poll delay",
			modify: func(cfg *config.Config) {
				cfg.Forward.PollDelay = "not-a-duration"
			},
			wantErr: config.ErrInvalidPollDelay,
		},
		{
			name: "duplicate port ids",
			modify: func(cfg *config.Config) {
				cfg.Ports = []config.PortConfig{{PortID: 0}, {PortID: 0}}
			},
			wantErr: config.ErrDuplicatePortID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEmptyPathSkipsFileLayer(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Forward.RequestedQueues != 3 {
		t.Errorf("Forward.RequestedQueues = %d, want default 3", cfg.Forward.RequestedQueues)
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("PKTFWD_LOG_LEVEL", "debug")
	t.Setenv("PKTFWD_LOG_FORMAT", "text")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q (from env)", cfg.Log.Format, "text")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("PKTFWD_METRICS_ADDR", ":9200")
	t.Setenv("PKTFWD_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "pktfwd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
