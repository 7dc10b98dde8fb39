/*
Package metrics exposes Prometheus metrics and component health for a Burrow
worker.

# Metrics Catalog

Work:
  - burrow_work_fetch_total{result}: fetches returning work or nothing
  - burrow_work_completed_total: items whose results the server accepted
  - burrow_work_dropped_total{reason}: items dropped before reporting
    (browser, visit)

Visit and artifacts:
  - burrow_visit_duration_seconds{result}
  - burrow_screenshot_bytes, burrow_capture_bytes

Reporting:
  - burrow_report_attempts_total{result}
  - burrow_report_duration_seconds: first attempt to acceptance, retries
    included

VPN:
  - burrow_vpn_setup_total{result}, burrow_tunnel_restart_total{result}
  - burrow_tunnel_established

Loop:
  - burrow_loop_phase{phase}: 1 for the active phase
  - burrow_work_since_restart, burrow_work_attempts
  - burrow_backoff_seconds{phase}: every retry delay drawn

# Health

Components report through UpdateComponent. /health is unhealthy while any
component is; /ready additionally requires the vpn and coordination
components to have reported healthy, so a worker sitting in VPN setup or in
an empty-work backoff is alive but not ready.

	metrics.UpdateComponent(metrics.ComponentVPN, true, "")
	timer := metrics.NewTimer()
	// ... visit ...
	timer.ObserveDurationVec(metrics.VisitDuration, "success")
*/
package metrics
