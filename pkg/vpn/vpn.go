package vpn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runner"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// ServiceName is the systemd unit of the VPN daemon
	ServiceName = "mullvad-daemon"

	// DefaultPort pins the WireGuard relay port so capture filters match
	DefaultPort = 51820

	// DefaultSettle is the wait after each toggle for the daemon's reported
	// state to catch up
	DefaultSettle = 2 * time.Second
)

// Config holds VPN controller configuration
type Config struct {
	Runner           runner.Runner
	DeviceConfigPath string        // Defaults to DeviceConfigPath
	Port             int           // Defaults to DefaultPort
	Settle           time.Duration // Negative disables settling, zero means DefaultSettle
	Sleep            backoff.SleepFunc
	TempDir          string // Where the device config is staged; empty uses os.TempDir
	Now              func() time.Time
}

// Controller drives the VPN daemon and tunnel through systemctl and the
// mullvad CLI
type Controller struct {
	runner     runner.Runner
	configPath string
	port       int
	settle     time.Duration
	sleep      backoff.SleepFunc
	tempDir    string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewController creates a new VPN controller
func NewController(cfg Config) *Controller {
	c := &Controller{
		runner:     cfg.Runner,
		configPath: cfg.DeviceConfigPath,
		port:       cfg.Port,
		settle:     cfg.Settle,
		sleep:      cfg.Sleep,
		tempDir:    cfg.TempDir,
		now:        cfg.Now,
		logger:     log.WithComponent("vpn"),
	}
	if c.runner == nil {
		c.runner = runner.NewExecRunner()
	}
	if c.configPath == "" {
		c.configPath = DeviceConfigPath
	}
	if c.port == 0 {
		c.port = DefaultPort
	}
	if c.settle == 0 {
		c.settle = DefaultSettle
	}
	if c.sleep == nil {
		c.sleep = backoff.Sleep
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// IsServiceRunning reports whether systemd considers the daemon active
func (c *Controller) IsServiceRunning(ctx context.Context) bool {
	out, err := c.runner.Run(ctx, "sudo", "systemctl", "is-active", ServiceName)
	if err != nil {
		c.logger.Debug().Err(err).Msg("VPN service is not active")
		return false
	}
	return strings.Contains(out.Stdout, "active")
}

// ToggleService starts or stops the daemon, then waits the settle interval.
// Stopping an already stopped daemon is not an error for callers that only
// need it down.
func (c *Controller) ToggleService(ctx context.Context, t types.Toggle) error {
	action := "stop"
	if t == types.ToggleOn {
		action = "start"
	}

	c.logger.Info().Str("action", string(t)).Msg("Toggling VPN service")
	_, err := c.runner.Run(ctx, "sudo", "systemctl", action, ServiceName)
	if err != nil {
		c.logger.Warn().Err(err).Str("action", string(t)).Msg("VPN service toggle failed")
		err = fmt.Errorf("failed to %s %s: %w", action, ServiceName, err)
	}
	c.settleWait(ctx)
	return err
}

// IsTunnelRunning reports whether mullvad status shows a connected tunnel
func (c *Controller) IsTunnelRunning(ctx context.Context) bool {
	out, err := c.runner.Run(ctx, "mullvad", "status")
	if err != nil {
		c.logger.Debug().Err(err).Msg("VPN tunnel status check failed")
		return false
	}
	return strings.Contains(out.Stdout, "Connected")
}

// ToggleTunnel connects or disconnects the tunnel, then waits the settle
// interval
func (c *Controller) ToggleTunnel(ctx context.Context, t types.Toggle) error {
	action := "disconnect"
	if t == types.ToggleOn {
		action = "connect"
	}

	c.logger.Info().Str("action", string(t)).Msg("Toggling VPN tunnel")
	_, err := c.runner.Run(ctx, "mullvad", action)
	if err != nil {
		c.logger.Warn().Err(err).Str("action", string(t)).Msg("VPN tunnel toggle failed")
		err = fmt.Errorf("failed to %s tunnel: %w", action, err)
	}
	c.settleWait(ctx)
	return err
}

// Configure applies the tunnel settings the workload depends on: LAN access,
// DAITA obfuscation and a fixed WireGuard port. It stops at the first failing
// setting.
func (c *Controller) Configure(ctx context.Context) error {
	settings := [][]string{
		{"lan", "set", "allow"},
		{"tunnel", "set", "wireguard", "--daita", "on"},
		{"relay", "set", "tunnel", "wireguard", "-p", strconv.Itoa(c.port)},
	}

	for _, args := range settings {
		if _, err := c.runner.Run(ctx, "mullvad", args...); err != nil {
			return fmt.Errorf("failed to apply setting %q: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}

// Setup reinstalls the daemon with account and brings the tunnel up. It
// returns true only when the tunnel reports connected afterwards; every
// failure along the way folds into false.
func (c *Controller) Setup(ctx context.Context, account types.VPNAccount) bool {
	if c.IsServiceRunning(ctx) {
		c.Teardown(ctx)
	}

	if err := c.InstallCredentials(ctx, account); err != nil {
		c.logger.Error().Err(err).Msg("VPN setup failed")
		return false
	}

	// The daemon must be running before settings can be applied
	_ = c.ToggleService(ctx, types.ToggleOn)

	if err := c.Configure(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to configure VPN")
	}

	_ = c.ToggleTunnel(ctx, types.ToggleOn)

	if !c.IsTunnelRunning(ctx) {
		c.logger.Error().Msg("Unable to establish a VPN tunnel connection")
		return false
	}

	c.logger.Info().Str("device", account.DeviceName).Msg("VPN tunnel established")
	return true
}

// Restart cycles tunnel and service to rotate the session and reports
// whether the tunnel is connected afterwards
func (c *Controller) Restart(ctx context.Context) bool {
	c.Teardown(ctx)
	c.Bringup(ctx)
	return c.IsTunnelRunning(ctx)
}

// Teardown disconnects the tunnel and stops the service. Failures are logged
// by the toggles and otherwise ignored.
func (c *Controller) Teardown(ctx context.Context) {
	_ = c.ToggleTunnel(ctx, types.ToggleOff)
	_ = c.ToggleService(ctx, types.ToggleOff)
}

// Bringup starts the service and connects the tunnel
func (c *Controller) Bringup(ctx context.Context) {
	_ = c.ToggleService(ctx, types.ToggleOn)
	_ = c.ToggleTunnel(ctx, types.ToggleOn)
}

func (c *Controller) settleWait(ctx context.Context) {
	if c.settle > 0 {
		_ = c.sleep(ctx, c.settle)
	}
}
