// pktfwdsim runs the forwarding core against the software-loopback NIC
// collaborator (internal/nic.Fake), exercising the full receive/process/
// transmit/stats pipeline without real kernel-bypass hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vegetab1e/packet-forwarder/internal/config"
	"github.com/vegetab1e/packet-forwarder/internal/dump"
	"github.com/vegetab1e/packet-forwarder/internal/headers"
	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
	"github.com/vegetab1e/packet-forwarder/internal/nic"
	"github.com/vegetab1e/packet-forwarder/internal/orchestrator"
	"github.com/vegetab1e/packet-forwarder/internal/send"
	"github.com/vegetab1e/packet-forwarder/internal/stats"
	appversion "github.com/vegetab1e/packet-forwarder/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// syntheticInterval paces the traffic generator that feeds the fake NIC
// collaborator so the simulation has something to forward.
const syntheticInterval = 200 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	queues := flag.Int("q", 0, "requested receive-queue count per port, 1-16 (0: use config default)")
	restrictPort := flag.Int("p", -2, "restrict forwarding to this receive port id (-2: use config default, -1: all ports)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *queues, *restrictPort)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("pktfwdsim starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("requested_queues", cfg.Forward.RequestedQueues),
	)

	reg := prometheus.NewRegistry()
	collector := stats.NewCollector(reg)

	if err := runServers(cfg, reg, collector, logger); err != nil {
		logger.Error("pktfwdsim exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("pktfwdsim stopped")
	return 0
}

// runServers brings up the simulated NIC, the metrics HTTP server, the
// synthetic traffic generator, and the forwarding orchestrator using an
// errgroup with signal-aware context for graceful shutdown, matching the
// source's runServers shape.
func runServers(cfg *config.Config, reg *prometheus.Registry, collector *stats.Collector, logger *slog.Logger) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	fake := nic.NewFake()
	ports := simulatedPorts(cfg.Ports)

	sendCfg := send.DefaultConfig()
	if cfg.Forward.SlowMotion {
		sendCfg = send.SlowMotionConfig()
	}
	rxDelay, _ := cfg.Forward.RxDelayDuration()
	pollDelay, _ := cfg.Forward.PollDelayDuration()

	var restrict *uint16
	if cfg.Forward.RestrictPort >= 0 {
		p := uint16(cfg.Forward.RestrictPort)
		restrict = &p
	}

	dumper := dump.Open()
	defer dumper.Close()

	opts := orchestrator.Options{
		RequestedQueues: orchestrator.ClampRequestedQueues(cfg.Forward.RequestedQueues),
		RestrictPort:    restrict,
		SendConfig:      sendCfg,
		RxDelay:         rxDelay,
		PollDelay:       pollDelay,
		Dumper:          dumper,
		Logger:          logger,
		Collector:       collector,
	}

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	g.Go(func() error {
		generateSyntheticTraffic(gCtx, fake, ports, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		err := orchestrator.Run(gCtx, fake, ports, opts)
		notifyStopping(logger)
		if shutdownErr := shutdownMetricsServer(metricsSrv, logger); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// simulatedPorts builds the fake NIC's port list from configuration,
// defaulting to a single pair of loopback-paired ports when none are
// configured.
func simulatedPorts(configured []config.PortConfig) []nic.PortConfig {
	if len(configured) == 0 {
		return []nic.PortConfig{{PortID: 0}, {PortID: 1}}
	}
	ports := make([]nic.PortConfig, len(configured))
	for i, p := range configured {
		ports[i] = nic.PortConfig{
			PortID:       p.PortID,
			NUMASocket:   p.NUMASocket,
			RxQueueDepth: p.RxQueueDepth,
			TxQueueDepth: p.TxQueueDepth,
		}
	}
	return ports
}

// generateSyntheticTraffic periodically injects a plain IPv4 frame onto
// each configured port's first receive queue, standing in for the real
// NIC abstraction's packet arrivals so the simulation has traffic to move.
func generateSyntheticTraffic(ctx context.Context, fake *nic.Fake, ports []nic.PortConfig, logger *slog.Logger) {
	ticker := time.NewTicker(syntheticInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(1, 2))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range ports {
				fake.InjectRx(p.PortID, 0, syntheticFrame(fake, rng))
			}
			logger.Debug("injected synthetic batch", slog.Int("ports", len(ports)))
		}
	}
}

func syntheticFrame(pool mbuf.Pool, rng *rand.Rand) *mbuf.Frame {
	payload := make([]byte, headers.EthernetHeaderLen+46)
	var src net.HardwareAddr = []byte{0x02, 0x00, 0x00, 0x00, 0x00, byte(rng.IntN(256))}
	copy(payload[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(payload[6:12], src)
	payload[12] = 0x08
	payload[13] = 0x00 // EtherType IPv4
	return mbuf.New(payload, pool)
}

// runWatchdog sends periodic watchdog keepalives to systemd, at half the
// configured watchdog interval. If watchdog is not configured, returns
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// notifyReady sends READY=1 to systemd.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func shutdownMetricsServer(srv *http.Server, logger *slog.Logger) error {
	logger.Info("shutting down metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// loadConfig loads the YAML configuration and applies CLI overrides for
// -q and -p. The 0/-2 sentinel values mean "use the config file's value".
func loadConfig(path string, queues, restrictPort int) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if queues > 0 {
		cfg.Forward.RequestedQueues = queues
	}
	if restrictPort != -2 {
		cfg.Forward.RestrictPort = restrictPort
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}
