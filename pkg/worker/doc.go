/*
Package worker implements the Burrow measurement loop.

A worker repeatedly fetches a URL from the coordination server, visits it in
a fresh browser profile through the VPN tunnel while capturing tunnel
traffic, and uploads the screenshot and packet capture. Exactly one job is
in flight at a time.

# State Machine

	ESTABLISHING_VPN ──▶ POLLING ──▶ EXECUTING ──▶ REPORTING
	       ▲               │  ▲           │             │
	       │   >10 empty   │  └───────────┘ dropped     │
	       └───────────────┘  ▲                         │
	                          │   count > threshold     │
	                RESTARTING_TUNNEL ◀─────────────────┘

ESTABLISHING_VPN fetches a fresh account and sets the VPN up, retrying with
a 10-20s jittered backoff until the tunnel is verified. Both counters reset.

POLLING asks for work. An empty answer tears the tunnel down so idle
workers generate no traffic; after more than MaxWorkAttempts consecutive
empty answers the loop goes back to ESTABLISHING_VPN.

EXECUTING starts a browser, then a capture, then visits the page. A browser
that fails to start skips the item. A failed visit stops the capture and
drops the item.

REPORTING uploads until the server answers 200. Artifacts are never
dropped once the visit succeeded.

RESTARTING_TUNNEL cycles tunnel and daemon once more than RestartThreshold
jobs completed since the last restart.

# Usage

	loop, err := worker.NewLoop(worker.Config{
		Identity:         id,
		VPN:              vpn.NewController(vpn.Config{}),
		Capture:          capture.NewController(capture.Config{}),
		Browser:          visit.NewExecutor(visit.Config{}),
		Coordinator:      client,
		BrowserBinary:    "/usr/lib/mullvad-browser/mullvadbrowser.real",
		RestartThreshold: 5,
	})
	if err != nil {
		return err
	}
	err = loop.Run(ctx) // returns ctx.Err() on shutdown

The only way out of Run is cancelling ctx. Backoff sleeps and settle waits
return early on cancellation.
*/
package worker
