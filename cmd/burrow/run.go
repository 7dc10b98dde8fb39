package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/capture"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/coord"
	"github.com/cuemby/burrow/pkg/identity"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/preflight"
	"github.com/cuemby/burrow/pkg/runner"
	"github.com/cuemby/burrow/pkg/visit"
	"github.com/cuemby/burrow/pkg/vpn"
	"github.com/cuemby/burrow/pkg/worker"
)

var runCmd = newRunCmd()

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the measurement worker",
		Long: `Run the measurement worker until interrupted.

The worker needs geckodriver, tshark, the Mullvad VPN daemon and CLI, and
passwordless sudo for the VPN and capture commands.`,
		Example: `  # Work for a local coordination server
  burrow run

  # Custom server and browser, JSON logs and a metrics endpoint
  burrow run --server coord.example:5000 --firefox /usr/bin/firefox \
    --log-json --metrics-addr 127.0.0.1:9100

  # Settings from a file, overriding one of them
  burrow run --config /etc/burrow/burrow.yaml --timeout 30`,
		RunE: runWorker,
	}

	d := config.Default()

	cmd.Flags().String("config", "", "Path to a YAML config file")
	cmd.Flags().String("server", d.Server, "Coordination server address")
	cmd.Flags().String("firefox", d.Firefox, "Path to the Firefox binary")
	cmd.Flags().String("geckodriver", d.GeckoDriver, "Path to the geckodriver binary")
	cmd.Flags().Float64("timeout", d.Timeout.Seconds(), "Page load timeout in seconds")
	cmd.Flags().Int("restart-tunnel-threshold", d.RestartTunnelThreshold, "Restart the tunnel after this many completed jobs")
	cmd.Flags().Int("max-work-attempts", d.MaxWorkAttempts, "Re-establish the VPN after this many consecutive empty work fetches")
	cmd.Flags().String("capture-interface", d.Capture.Interface, "Capture interface (Windows only)")
	cmd.Flags().String("metrics-addr", d.MetricsAddr, "Address for /health, /ready and /metrics (empty disables)")
	cmd.Flags().String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", d.Log.JSON, "Output logs in JSON format")

	return cmd
}

// loadConfig reads the optional config file and applies explicitly set flags
// on top of it
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()

	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if flags.Changed("server") {
		cfg.Server, _ = flags.GetString("server")
	}
	if flags.Changed("firefox") {
		cfg.Firefox, _ = flags.GetString("firefox")
	}
	if flags.Changed("geckodriver") {
		cfg.GeckoDriver, _ = flags.GetString("geckodriver")
	}
	if flags.Changed("timeout") {
		seconds, _ := flags.GetFloat64("timeout")
		cfg.Timeout = time.Duration(seconds * float64(time.Second))
	}
	if flags.Changed("restart-tunnel-threshold") {
		cfg.RestartTunnelThreshold, _ = flags.GetInt("restart-tunnel-threshold")
	}
	if flags.Changed("max-work-attempts") {
		cfg.MaxWorkAttempts, _ = flags.GetInt("max-work-attempts")
	}
	if flags.Changed("capture-interface") {
		cfg.Capture.Interface, _ = flags.GetString("capture-interface")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	id := identity.NewGenerator().Identifier()
	logger := log.WithWorkerID(string(id))
	metrics.SetVersion(Version)
	metrics.SetWorkerID(string(id))

	logger.Info().
		Str("version", Version).
		Str("server", cfg.Server).
		Str("firefox", cfg.Firefox).
		Dur("timeout", cfg.Timeout).
		Int("restart_tunnel_threshold", cfg.RestartTunnelThreshold).
		Msg("Starting burrow worker")

	r := runner.NewExecRunner()
	checks := preflight.WorkerChecks(r, coord.NormalizeServer(cfg.Server), cfg.Firefox, cfg.GeckoDriver)
	reports, _ := preflight.Run(context.Background(), checks, preflight.DefaultTimeout)
	for _, rep := range reports {
		if !rep.Healthy {
			logger.Warn().Str("check", rep.Name).Str("detail", rep.Message).Msg("Preflight check failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := coord.NewClient(coord.Config{
		Server:    cfg.Server,
		Identity:  id,
		RateLimit: cfg.RateLimit.PerSecond,
		Burst:     cfg.RateLimit.Burst,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordination client: %w", err)
	}

	// Requests outlive the executor's own bound so it reports the timeout first
	launcher := visit.NewGeckoLauncher(cfg.GeckoDriver)
	launcher.CommandTimeout = cfg.Timeout + 5*time.Second

	loop, err := worker.NewLoop(worker.Config{
		Identity: id,
		VPN: vpn.NewController(vpn.Config{
			Runner: r,
			Port:   cfg.Capture.Port,
			Settle: cfg.Settle,
		}),
		Capture: capture.NewController(capture.Config{
			Runner:  r,
			Port:    cfg.Capture.Port,
			SnapLen: cfg.Capture.SnapLen,
		}),
		Browser: visit.NewExecutor(visit.Config{
			Launcher: launcher,
			Runner:   r,
			Settle:   cfg.Settle,
		}),
		Coordinator:      client,
		BrowserBinary:    cfg.Firefox,
		VisitTimeout:     cfg.Timeout,
		RestartThreshold: cfg.RestartTunnelThreshold,
		MaxWorkAttempts:  cfg.MaxWorkAttempts,
		CaptureInterface: cfg.Capture.Interface,
		Backoff:          backoff.NewJitter(cfg.Backoff.Min, cfg.Backoff.Max),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	if cfg.MetricsAddr != "" {
		hs := api.NewHealthServer()
		go func() {
			if err := hs.Start(cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("Health server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Health server shutdown failed")
			}
		}()
	}

	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("Shutdown signal received, worker stopped")
		return nil
	}
	return err
}
