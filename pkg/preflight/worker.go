package preflight

import (
	"github.com/cuemby/burrow/pkg/runner"
)

// WorkerChecks returns the checks for a measurement worker host
func WorkerChecks(r runner.Runner, server, firefox, geckodriver string) []Check {
	return []Check{
		{Name: "sudo", Checker: NewExecChecker(r, "sudo", "-n", "true")},
		{Name: "mullvad", Checker: NewExecChecker(r, "mullvad", "version")},
		{Name: "tshark", Checker: NewExecChecker(r, "tshark", "--version")},
		{Name: "geckodriver", Checker: NewExecChecker(r, geckodriver, "--version")},
		{Name: "firefox", Checker: NewFileChecker(firefox)},
		{Name: "dns", Checker: NewDNSChecker(server)},
		{Name: "server", Checker: NewHTTPChecker(server)},
	}
}
