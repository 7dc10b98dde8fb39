package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runner"
)

const (
	// DefaultProcessName is matched by pkill to clean up stray browsers
	DefaultProcessName = "mullvad-browser"

	DefaultSettle       = 2 * time.Second
	DefaultWarmUp       = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultQuitTimeout  = 10 * time.Second
)

// ErrLoadTimeout is returned when the page never reports readyState complete
var ErrLoadTimeout = errors.New("page load timed out")

// ErrCommandTimeout is returned when the driver does not answer a command in time
var ErrCommandTimeout = errors.New("browser command timed out")

// Config holds visit executor configuration
type Config struct {
	Launcher     Launcher
	Runner       runner.Runner
	ProcessName  string
	Settle       time.Duration // Wait after load for late network activity; negative disables
	WarmUp       time.Duration // Wait after launch before the session is used; negative disables
	PollInterval time.Duration
	QuitTimeout  time.Duration // Bounds shutting the session down
	Sleep        backoff.SleepFunc
}

// Executor loads pages in a browser and screenshots them
type Executor struct {
	launcher     Launcher
	runner       runner.Runner
	processName  string
	settle       time.Duration
	warmUp       time.Duration
	pollInterval time.Duration
	quitTimeout  time.Duration
	sleep        backoff.SleepFunc
	logger       zerolog.Logger
}

// NewExecutor creates a new visit executor
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		launcher:     cfg.Launcher,
		runner:       cfg.Runner,
		processName:  cfg.ProcessName,
		settle:       cfg.Settle,
		warmUp:       cfg.WarmUp,
		pollInterval: cfg.PollInterval,
		quitTimeout:  cfg.QuitTimeout,
		sleep:        cfg.Sleep,
		logger:       log.WithComponent("visit"),
	}
	if e.launcher == nil {
		e.launcher = NewGeckoLauncher("")
	}
	if e.runner == nil {
		e.runner = runner.NewExecRunner()
	}
	if e.processName == "" {
		e.processName = DefaultProcessName
	}
	if e.settle == 0 {
		e.settle = DefaultSettle
	}
	if e.warmUp == 0 {
		e.warmUp = DefaultWarmUp
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.quitTimeout <= 0 {
		e.quitTimeout = DefaultQuitTimeout
	}
	if e.sleep == nil {
		e.sleep = backoff.Sleep
	}
	return e
}

// StartBrowser launches a fresh browser instance. A launch failure is
// returned as an error so the caller can skip the work item.
func (e *Executor) StartBrowser(ctx context.Context, binaryPath string) (*Session, error) {
	s, err := e.launcher.Launch(binaryPath)
	if err != nil {
		e.logger.Error().Err(err).Str("binary", binaryPath).Msg("Failed to start browser")
		return nil, err
	}

	if e.warmUp > 0 {
		if err := e.sleep(ctx, e.warmUp); err != nil {
			e.cleanup(ctx, s)
			return nil, err
		}
	}
	return s, nil
}

// Visit loads url, waits for the page and its trailing network activity,
// and returns a half-size PNG screenshot. Every driver command is bounded by
// timeout. The session is always closed and stray browser processes killed,
// whatever the outcome.
func (e *Executor) Visit(ctx context.Context, s *Session, url string, timeout time.Duration) ([]byte, error) {
	defer e.cleanup(ctx, s)

	if s == nil || s.driver == nil {
		return nil, errors.New("no browser session")
	}

	if timeout > 0 {
		_, err := bounded(ctx, timeout, func() (struct{}, error) {
			return struct{}{}, s.driver.SetPageLoadTimeout(timeout)
		})
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to set page load timeout")
		}
	}

	_, err := bounded(ctx, timeout, func() (struct{}, error) {
		return struct{}{}, s.driver.Get(url)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", url, err)
	}
	if err := e.waitForLoad(ctx, s.driver, timeout); err != nil {
		return nil, err
	}

	png, err := bounded(ctx, timeout, s.driver.Screenshot)
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}

	resized, err := Downscale(png)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to downscale screenshot, keeping original")
		return png, nil
	}
	return resized, nil
}

// waitForLoad polls document.readyState until complete or timeout, then
// waits the settle interval so the capture window covers late requests
func (e *Executor) waitForLoad(ctx context.Context, d Driver, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		wait := timeout
		if timeout > 0 {
			wait = time.Until(deadline)
		}

		var (
			state interface{}
			err   error
		)
		if timeout <= 0 || wait > 0 {
			state, err = bounded(ctx, wait, func() (interface{}, error) {
				return d.ExecuteScript("return document.readyState", nil)
			})
			if err == nil && state == "complete" {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
		}

		if timeout > 0 && !time.Now().Before(deadline) {
			if err != nil {
				return fmt.Errorf("%w: %v", ErrLoadTimeout, err)
			}
			return ErrLoadTimeout
		}
		if serr := e.sleep(ctx, e.pollInterval); serr != nil {
			return serr
		}
	}

	if e.settle > 0 {
		return e.sleep(ctx, e.settle)
	}
	return nil
}

// cleanup runs even when ctx is cancelled
func (e *Executor) cleanup(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)

	_, err := bounded(ctx, e.quitTimeout, func() (struct{}, error) {
		return struct{}{}, s.Close()
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Browser shutdown failed")
	}
	// pkill exits 1 when nothing matched
	_, _ = e.runner.Run(ctx, "sudo", "pkill", "-f", e.processName)
}

// bounded runs fn and gives up after timeout or when ctx is done. A command
// that gives up keeps running in the background until the driver answers.
// A non-positive timeout waits on ctx alone.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-expired:
		return zero, ErrCommandTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
