// Package capture records the VPN's WireGuard traffic with tshark for the
// duration of one visit.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runner"
)

const (
	DefaultPort           = 51820
	DefaultSnapLen        = 64
	DefaultWindowsIface   = "Ethernet0"
	defaultFileName       = "temp_capture.pcap"
	defaultTerminateGrace = 5 * time.Second
)

// Config holds capture controller configuration
type Config struct {
	Runner  runner.Runner
	Path    string // Output file; defaults to <tmp>/temp_capture.pcap
	Port    int
	SnapLen int
	GOOS    string // Overrides runtime.GOOS
}

// Controller runs at most one capture at a time against a single well-known
// output file
type Controller struct {
	runner  runner.Runner
	path    string
	port    int
	snapLen int
	goos    string
	proc    runner.Process
	logger  zerolog.Logger
}

// NewController creates a new capture controller
func NewController(cfg Config) *Controller {
	c := &Controller{
		runner:  cfg.Runner,
		path:    cfg.Path,
		port:    cfg.Port,
		snapLen: cfg.SnapLen,
		goos:    cfg.GOOS,
		logger:  log.WithComponent("capture"),
	}
	if c.runner == nil {
		c.runner = runner.NewExecRunner()
	}
	if c.path == "" {
		c.path = filepath.Join(os.TempDir(), defaultFileName)
	}
	if c.port == 0 {
		c.port = DefaultPort
	}
	if c.snapLen == 0 {
		c.snapLen = DefaultSnapLen
	}
	if c.goos == "" {
		c.goos = runtime.GOOS
	}
	return c
}

// Path returns the capture output file
func (c *Controller) Path() string {
	return c.path
}

// Start discards any previous capture and launches a new one. On Windows the
// interface hint names the capture interface; elsewhere all interfaces are
// captured.
func (c *Controller) Start(ctx context.Context, ifaceHint string) error {
	c.discard(ctx)

	argv := c.command(ifaceHint)
	proc, err := c.runner.Start(ctx, argv[0], argv[1:]...)
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	c.proc = proc

	c.logger.Debug().Int("pid", proc.Pid()).Str("path", c.path).Msg("Capture started")
	return nil
}

// Stop terminates the running capture and returns the captured bytes, which
// may be empty. The output file is removed; nothing survives Stop.
func (c *Controller) Stop(ctx context.Context) []byte {
	if c.proc == nil {
		return nil
	}

	if err := c.proc.Terminate(defaultTerminateGrace); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to terminate capture")
	}
	c.proc = nil

	data, err := c.read(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read capture")
	}
	c.remove(ctx)

	c.logger.Debug().Int("bytes", len(data)).Msg("Capture stopped")
	return data
}

func (c *Controller) command(ifaceHint string) []string {
	iface := "any"
	if c.windows() {
		iface = ifaceHint
		if iface == "" {
			iface = DefaultWindowsIface
		}
	}

	args := []string{
		"tshark",
		"-i", iface,
		"-f", "port " + strconv.Itoa(c.port),
		"-s", strconv.Itoa(c.snapLen),
		"-w", c.path,
	}
	if c.windows() {
		return args
	}
	return append([]string{"sudo"}, args...)
}

// discard stops a leftover capture and deletes its file, ignoring errors
func (c *Controller) discard(ctx context.Context) {
	if c.proc != nil {
		_ = c.proc.Terminate(defaultTerminateGrace)
		c.proc = nil
	}
	c.remove(ctx)
}

// tshark runs as root so its output is only readable with privilege
func (c *Controller) read(ctx context.Context) ([]byte, error) {
	if c.windows() {
		return os.ReadFile(c.path)
	}
	out, err := c.runner.Run(ctx, "sudo", "cat", c.path)
	return []byte(out.Stdout), err
}

func (c *Controller) remove(ctx context.Context) {
	if c.windows() {
		_ = os.Remove(c.path)
		return
	}
	_, _ = c.runner.Run(ctx, "sudo", "rm", "-f", c.path)
}

func (c *Controller) windows() bool {
	return c.goos == "windows"
}
