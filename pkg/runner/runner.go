package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"
)

// Output is the captured output of a finished command
type Output struct {
	Stdout string
	Stderr string
}

// Runner executes external commands. All VPN, capture and browser cleanup
// commands go through a Runner so tests can substitute a fake.
type Runner interface {
	// Run executes the command to completion. A non-zero exit is an error.
	Run(ctx context.Context, name string, args ...string) (Output, error)

	// Start launches a long-running command and returns without waiting.
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a command started by Runner.Start
type Process interface {
	// Terminate asks the process to exit and waits up to the grace period,
	// killing it if it is still running afterwards.
	Terminate(grace time.Duration) error
	Pid() int
}

// maxStderr bounds the stderr bytes quoted in a CommandError message
const maxStderr = 200

// CommandError describes a failed external command
type CommandError struct {
	Argv   []string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", strings.Join(e.Argv, " "), e.Err)
	if e.Stderr != "" {
		stderr := strings.TrimSpace(e.Stderr)
		if len(stderr) > maxStderr {
			cut := maxStderr
			for cut > 0 && !utf8.RuneStart(stderr[cut]) {
				cut--
			}
			stderr = stderr[:cut] + "..."
		}
		msg = fmt.Sprintf("%s, stderr: %s", msg, stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status of a failed command, or -1 if it did not
// run to completion.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ExecRunner runs commands on the host with os/exec
type ExecRunner struct {
	// Timeout bounds Run; zero means no bound beyond ctx
	Timeout time.Duration
}

// NewExecRunner creates a host runner with a default 60 second Run timeout
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: 60 * time.Second}
}

// Run executes the command and captures stdout and stderr
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return out, &CommandError{
			Argv:   append([]string{name}, args...),
			Err:    err,
			Stderr: out.Stderr,
		}
	}
	return out, nil
}

// Start launches the command detached from ctx cancellation; the caller owns
// its lifetime through Process.Terminate.
func (r *ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Argv: append([]string{name}, args...), Err: err}
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{} // closed once the process has been reaped
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	var err error
	if runtime.GOOS == "windows" {
		err = p.cmd.Process.Kill()
	} else {
		err = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		if killErr := p.cmd.Process.Kill(); killErr != nil && err == nil {
			err = killErr
		}
		<-p.done
		return err
	}
}
