package preflight

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/runner"
)

// ExecChecker passes when a command exits zero
type ExecChecker struct {
	Runner  runner.Runner
	Command []string
}

// NewExecChecker creates a checker running command through r
func NewExecChecker(r runner.Runner, command ...string) *ExecChecker {
	return &ExecChecker{Runner: r, Command: command}
}

// Check runs the command
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return result(start, false, "no command specified")
	}

	out, err := e.Runner.Run(ctx, e.Command[0], e.Command[1:]...)
	if err != nil {
		return result(start, false, err.Error())
	}

	// First output line is usually the tool's version
	line := strings.TrimSpace(out.Stdout)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	if line == "" {
		line = "ok"
	}
	return result(start, true, line)
}

func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// FileChecker passes when Path is an executable regular file
type FileChecker struct {
	Path string
}

// NewFileChecker creates a checker for an executable at path
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check stats the file
func (f *FileChecker) Check(ctx context.Context) Result {
	start := time.Now()

	info, err := os.Stat(f.Path)
	if err != nil {
		return result(start, false, err.Error())
	}
	if !info.Mode().IsRegular() {
		return result(start, false, fmt.Sprintf("%s is not a regular file", f.Path))
	}
	if info.Mode().Perm()&0o111 == 0 {
		return result(start, false, fmt.Sprintf("%s is not executable", f.Path))
	}
	return result(start, true, f.Path)
}

func (f *FileChecker) Type() CheckType {
	return CheckTypeFile
}
