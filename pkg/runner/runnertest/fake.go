// Package runnertest provides a scriptable runner.Runner for tests.
package runnertest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/runner"
)

// ErrExit is returned for commands scripted to fail
var ErrExit = errors.New("exit status 1")

// Result is the scripted outcome of a command
type Result struct {
	Stdout string
	Stderr string
	Fail   bool
}

// Runner records every command and answers from a handler. Commands are
// matched on their space-joined argv.
type Runner struct {
	mu      sync.Mutex
	calls   []string
	started []*Process

	// Handler decides the outcome of Run. A nil handler succeeds with no output.
	Handler func(cmd string) Result

	// StartErr, when set, makes Start fail
	StartErr error
}

// New returns a Runner whose Run results come from fn
func New(fn func(cmd string) Result) *Runner {
	return &Runner{Handler: fn}
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (runner.Output, error) {
	argv := append([]string{name}, args...)
	cmd := strings.Join(argv, " ")

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	handler := r.Handler
	r.mu.Unlock()

	var res Result
	if handler != nil {
		res = handler(cmd)
	}
	out := runner.Output{Stdout: res.Stdout, Stderr: res.Stderr}
	if res.Fail {
		return out, &runner.CommandError{Argv: argv, Err: ErrExit, Stderr: res.Stderr}
	}
	return out, nil
}

func (r *Runner) Start(ctx context.Context, name string, args ...string) (runner.Process, error) {
	argv := append([]string{name}, args...)
	cmd := strings.Join(argv, " ")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "start: "+cmd)
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	p := &Process{Cmd: cmd, pid: 1000 + len(r.started)}
	r.started = append(r.started, p)
	return p, nil
}

// Calls returns every command seen so far, Start calls prefixed with "start: "
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Started returns every process launched through Start
func (r *Runner) Started() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.started...)
}

// Count returns how many recorded commands contain substr
func (r *Runner) Count(substr string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls and processes
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.started = nil
}

// Process is a fake started command
type Process struct {
	Cmd string

	mu         sync.Mutex
	terminated int
	pid        int
}

func (p *Process) Terminate(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	return nil
}

func (p *Process) Pid() int {
	return p.pid
}

// Terminated reports how many times Terminate was called
func (p *Process) Terminated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
