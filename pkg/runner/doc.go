/*
Package runner executes the external tools Burrow drives: systemctl and the
mullvad CLI for the VPN, tshark for packet capture, pkill for browser cleanup.

Run captures stdout and stderr and treats a non-zero exit as failure,
returning a *CommandError that carries the argv and stderr:

	out, err := r.Run(ctx, "mullvad", "status")
	if err != nil {
		logger.Warn().Err(err).Msg("status check failed")
	}
	connected := strings.Contains(out.Stdout, "Connected")

Start launches a long-running command such as a capture; the returned
Process is stopped with Terminate, which sends SIGTERM (a kill on Windows)
and escalates to SIGKILL after the grace period.

Package runnertest provides a scripted Runner for unit tests.
*/
package runner
