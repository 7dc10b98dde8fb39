package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/visit"
)

const (
	DefaultVisitTimeout     = 20 * time.Second
	DefaultRestartThreshold = 5
	DefaultMaxWorkAttempts  = 10
	DefaultBackoffMin       = 10 * time.Second
	DefaultBackoffMax       = 20 * time.Second
)

// VPN manages the VPN daemon and tunnel
type VPN interface {
	IsServiceRunning(ctx context.Context) bool
	Setup(ctx context.Context, account types.VPNAccount) bool
	Restart(ctx context.Context) bool
	Teardown(ctx context.Context)
	Bringup(ctx context.Context)
}

// Capturer records the tunnel traffic of one visit
type Capturer interface {
	Start(ctx context.Context, ifaceHint string) error
	Stop(ctx context.Context) []byte
}

// Browser starts browser sessions and visits pages with them
type Browser interface {
	StartBrowser(ctx context.Context, binaryPath string) (*visit.Session, error)
	Visit(ctx context.Context, s *visit.Session, url string, timeout time.Duration) ([]byte, error)
}

// Coordinator talks to the coordination server
type Coordinator interface {
	FetchAccount(ctx context.Context) (types.VPNAccount, error)
	FetchWork(ctx context.Context) string
	PostResult(ctx context.Context, workURL string, png, pcap []byte) bool
}

// Config holds worker loop configuration
type Config struct {
	Identity    types.WorkerIdentity
	VPN         VPN
	Capture     Capturer
	Browser     Browser
	Coordinator Coordinator

	BrowserBinary    string
	VisitTimeout     time.Duration
	RestartThreshold int // Tunnel restarts once more than this many jobs completed
	MaxWorkAttempts  int // VPN is re-established after more than this many empty fetches
	CaptureInterface string

	Backoff backoff.Policy
	Sleep   backoff.SleepFunc
	Now     func() time.Time
}

// Loop is a single measurement worker. It owns the VPN re-establishment,
// polling, execution and reporting cycle; exactly one job is in flight.
type Loop struct {
	identity    types.WorkerIdentity
	vpn         VPN
	capture     Capturer
	browser     Browser
	coordinator Coordinator

	browserBinary    string
	visitTimeout     time.Duration
	restartThreshold int
	maxWorkAttempts  int
	captureInterface string

	backoff backoff.Policy
	sleep   backoff.SleepFunc
	now     func() time.Time

	mu    sync.RWMutex
	state types.LoopState
	phase types.Phase

	logger zerolog.Logger
}

// NewLoop creates a new worker loop
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.VPN == nil || cfg.Capture == nil || cfg.Browser == nil || cfg.Coordinator == nil {
		return nil, errors.New("worker loop requires vpn, capture, browser and coordinator")
	}
	if cfg.RestartThreshold < 0 {
		return nil, fmt.Errorf("invalid restart threshold %d", cfg.RestartThreshold)
	}

	l := &Loop{
		identity:         cfg.Identity,
		vpn:              cfg.VPN,
		capture:          cfg.Capture,
		browser:          cfg.Browser,
		coordinator:      cfg.Coordinator,
		browserBinary:    cfg.BrowserBinary,
		visitTimeout:     cfg.VisitTimeout,
		restartThreshold: cfg.RestartThreshold,
		maxWorkAttempts:  cfg.MaxWorkAttempts,
		captureInterface: cfg.CaptureInterface,
		backoff:          cfg.Backoff,
		sleep:            cfg.Sleep,
		now:              cfg.Now,
		phase:            types.PhaseStopped,
		logger:           log.WithWorkerID(string(cfg.Identity)).With().Str("component", "worker").Logger(),
	}
	if l.visitTimeout <= 0 {
		l.visitTimeout = DefaultVisitTimeout
	}
	if l.maxWorkAttempts <= 0 {
		l.maxWorkAttempts = DefaultMaxWorkAttempts
	}
	if l.backoff == nil {
		l.backoff = backoff.NewJitter(DefaultBackoffMin, DefaultBackoffMax)
	}
	if l.sleep == nil {
		l.sleep = backoff.Sleep
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// State returns a snapshot of the loop counters
func (l *Loop) State() types.LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Phase returns the phase the loop is currently in
func (l *Loop) Phase() types.Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Run drives the worker until ctx is cancelled and returns ctx.Err()
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Msg("Worker loop starting")
	defer func() {
		l.setPhase(types.PhaseStopped)
		l.logger.Info().Msg("Worker loop stopped")
	}()

	for {
		if err := l.establishVPN(ctx); err != nil {
			return err
		}
		if err := l.serve(ctx); err != nil {
			return err
		}
		l.logger.Warn().
			Int("attempts", l.State().WorkAttempts).
			Msg("No work after repeated attempts, re-establishing VPN")
	}
}

// establishVPN retries account fetch and VPN setup until the tunnel is up
func (l *Loop) establishVPN(ctx context.Context) error {
	l.setPhase(types.PhaseEstablishingVPN)

	err := backoff.Retry(ctx, l.backoff, l.sleep, 0, l.setupVPN, l.onRetry(types.PhaseEstablishingVPN, "VPN is not set up"))
	if err != nil {
		return err
	}

	l.updateState(func(s *types.LoopState) {
		*s = types.LoopState{TunnelEstablished: true}
	})
	l.logger.Info().Msg("VPN established")
	return nil
}

func (l *Loop) setupVPN(ctx context.Context) bool {
	account, err := l.coordinator.FetchAccount(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to fetch VPN account")
		metrics.VPNSetups.WithLabelValues("account_error").Inc()
		metrics.UpdateComponent(metrics.ComponentCoordination, false, err.Error())
		return false
	}
	metrics.UpdateComponent(metrics.ComponentCoordination, true, "")

	if !l.vpn.Setup(ctx, account) {
		metrics.VPNSetups.WithLabelValues("failure").Inc()
		metrics.UpdateComponent(metrics.ComponentVPN, false, "setup failed")
		return false
	}
	metrics.VPNSetups.WithLabelValues("success").Inc()
	metrics.UpdateComponent(metrics.ComponentVPN, true, "")
	return true
}

// serve polls for work until too many consecutive fetches come back empty.
// It returns nil to request VPN re-establishment, or ctx.Err().
func (l *Loop) serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.setPhase(types.PhasePolling)

		url := l.coordinator.FetchWork(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		if url == "" {
			metrics.WorkFetched.WithLabelValues("empty").Inc()

			// Idle workers stay off the VPN
			if l.vpn.IsServiceRunning(ctx) {
				l.vpn.Teardown(ctx)
				metrics.UpdateComponent(metrics.ComponentVPN, false, "idle")
			}

			var attempts int
			l.updateState(func(s *types.LoopState) {
				s.TunnelEstablished = false
				s.WorkAttempts++
				attempts = s.WorkAttempts
			})
			if attempts > l.maxWorkAttempts {
				return nil
			}

			wait := l.backoff.Next()
			l.onRetry(types.PhasePolling, "No work available")(attempts, wait)
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		metrics.WorkFetched.WithLabelValues("work").Inc()
		l.updateState(func(s *types.LoopState) {
			s.WorkAttempts = 0
		})

		if !l.vpn.IsServiceRunning(ctx) {
			l.vpn.Bringup(ctx)
			metrics.UpdateComponent(metrics.ComponentVPN, true, "")
		}
		l.updateState(func(s *types.LoopState) {
			s.TunnelEstablished = true
		})

		item := types.WorkItem{
			ID:        uuid.New().String(),
			URL:       url,
			FetchedAt: l.now(),
		}
		if err := l.execute(ctx, item); err != nil {
			return err
		}
	}
}

// execute visits one work item under capture and reports the artifacts.
// Failures before reporting drop the item; only ctx errors are returned.
func (l *Loop) execute(ctx context.Context, item types.WorkItem) error {
	l.setPhase(types.PhaseExecuting)
	logger := log.WithJobID(l.logger, item.ID, item.URL)
	logger.Info().Msg("Got work")

	session, err := l.browser.StartBrowser(ctx, l.browserBinary)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn().Err(err).Msg("Failed to start browser, skipping work")
		metrics.WorkDropped.WithLabelValues("browser").Inc()
		metrics.UpdateComponent(metrics.ComponentBrowser, false, err.Error())
		return nil
	}
	metrics.UpdateComponent(metrics.ComponentBrowser, true, "")

	if err := l.capture.Start(ctx, l.captureInterface); err != nil {
		logger.Warn().Err(err).Msg("Failed to start packet capture")
		metrics.UpdateComponent(metrics.ComponentCapture, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentCapture, true, "")
	}

	// Capture cleanup must run even when the loop is shutting down
	stopCtx := context.WithoutCancel(ctx)

	timer := metrics.NewTimer()
	png, err := l.browser.Visit(ctx, session, item.URL, l.visitTimeout)
	if err != nil {
		timer.ObserveDurationVec(metrics.VisitDuration, "failure")
		l.capture.Stop(stopCtx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn().Err(err).Msg("Failed to visit site, skipping work")
		metrics.WorkDropped.WithLabelValues("visit").Inc()
		return nil
	}
	timer.ObserveDurationVec(metrics.VisitDuration, "success")

	pcap := l.capture.Stop(stopCtx)
	metrics.ScreenshotBytes.Observe(float64(len(png)))
	metrics.CaptureBytes.Observe(float64(len(pcap)))
	logger.Info().
		Str("png", fmt.Sprintf("%.1f KiB", float64(len(png))/1024)).
		Str("pcap", fmt.Sprintf("%.1f KiB", float64(len(pcap))/1024)).
		Msg("Captured artifacts")

	return l.report(ctx, logger, item, types.Artifacts{Screenshot: png, Capture: pcap})
}

// report uploads artifacts until the server accepts them, then counts the
// job towards the tunnel restart threshold.
func (l *Loop) report(ctx context.Context, logger zerolog.Logger, item types.WorkItem, artifacts types.Artifacts) error {
	l.setPhase(types.PhaseReporting)
	timer := metrics.NewTimer()

	post := func(ctx context.Context) bool {
		ok := l.coordinator.PostResult(ctx, item.URL, artifacts.Screenshot, artifacts.Capture)
		if ok {
			metrics.ReportAttempts.WithLabelValues("success").Inc()
			metrics.UpdateComponent(metrics.ComponentCoordination, true, "")
		} else {
			metrics.ReportAttempts.WithLabelValues("failure").Inc()
			metrics.UpdateComponent(metrics.ComponentCoordination, false, "result upload failed")
		}
		return ok
	}
	if err := backoff.Retry(ctx, l.backoff, l.sleep, 0, post, l.onRetry(types.PhaseReporting, "Failed to post work to server")); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.ReportDuration)
	metrics.WorkCompleted.Inc()

	var count int
	l.updateState(func(s *types.LoopState) {
		s.WorkCount++
		count = s.WorkCount
	})
	logger.Info().Int("work_count", count).Msg("Work reported")

	if count > l.restartThreshold {
		return l.restartTunnel(ctx)
	}
	return nil
}

func (l *Loop) restartTunnel(ctx context.Context) error {
	l.setPhase(types.PhaseRestartingTunnel)
	l.logger.Info().Int("threshold", l.restartThreshold).Msg("Restart tunnel threshold reached, restarting tunnel")

	restart := func(ctx context.Context) bool {
		ok := l.vpn.Restart(ctx)
		if ok {
			metrics.TunnelRestarts.WithLabelValues("success").Inc()
			metrics.UpdateComponent(metrics.ComponentVPN, true, "")
		} else {
			metrics.TunnelRestarts.WithLabelValues("failure").Inc()
			metrics.UpdateComponent(metrics.ComponentVPN, false, "tunnel restart failed")
		}
		return ok
	}
	if err := backoff.Retry(ctx, l.backoff, l.sleep, 0, restart, l.onRetry(types.PhaseRestartingTunnel, "Tunnel restart failed")); err != nil {
		return err
	}

	l.updateState(func(s *types.LoopState) {
		s.WorkCount = 0
		s.TunnelEstablished = true
	})
	return nil
}

func (l *Loop) onRetry(phase types.Phase, msg string) func(attempt int, wait time.Duration) {
	return func(attempt int, wait time.Duration) {
		metrics.BackoffSeconds.WithLabelValues(string(phase)).Observe(wait.Seconds())
		l.logger.Info().
			Int("attempt", attempt).
			Dur("wait", wait).
			Msgf("%s, sleeping for %s", msg, wait)
	}
}

func (l *Loop) setPhase(phase types.Phase) {
	l.mu.Lock()
	l.phase = phase
	l.mu.Unlock()
	metrics.SetPhase(phase)
}

func (l *Loop) updateState(fn func(s *types.LoopState)) {
	l.mu.Lock()
	fn(&l.state)
	state := l.state
	l.mu.Unlock()
	metrics.SetLoopState(state)
}
