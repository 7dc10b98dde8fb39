// Package preflight checks that a host has what the worker loop needs: the
// external tools, the browser binary and a reachable coordination server.
package preflight

import (
	"context"
	"time"
)

// CheckType represents the type of preflight check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeExec CheckType = "exec"
	CheckTypeFile CheckType = "file"
	CheckTypeDNS  CheckType = "dns"
)

// Result represents the outcome of a check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all checks implement
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Check is a named Checker
type Check struct {
	Name    string
	Checker Checker
}

// Report is the result of one named check
type Report struct {
	Name string
	Type CheckType
	Result
}

// DefaultTimeout bounds a single check
const DefaultTimeout = 10 * time.Second

// Run executes checks in order, each bounded by timeout. It returns one
// report per check and whether all of them passed.
func Run(ctx context.Context, checks []Check, timeout time.Duration) ([]Report, bool) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	reports := make([]Report, 0, len(checks))
	ok := true
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		res := c.Checker.Check(checkCtx)
		cancel()

		if !res.Healthy {
			ok = false
		}
		reports = append(reports, Report{Name: c.Name, Type: c.Checker.Type(), Result: res})
	}
	return reports, ok
}

func result(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
