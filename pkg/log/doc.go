/*
Package log provides structured logging for Burrow using zerolog.

A single package-level Logger is configured once by log.Init from the CLI
flags. Components derive child loggers so every line carries the fields that
matter for correlating a worker's activity across many instances:

	vpnLog := log.WithComponent("vpn")
	vpnLog.Info().Str("action", "on").Msg("Toggling tunnel")

	workerLog := log.WithWorkerID(string(id))
	jobLog := log.WithJobID(workerLog, item.ID, item.URL)
	jobLog.Info().Int("png_bytes", len(png)).Msg("Visit complete")

# Output

Console output (default):

	2026-10-14T10:30:00Z INF Got work component=worker job_id=4f0c... url=https://example.org

JSON output (--log-json):

	{"level":"info","component":"worker","job_id":"4f0c...","time":"2026-10-14T10:30:00Z","message":"Got work"}

Account tokens and WireGuard private keys are never logged.
*/
package log
