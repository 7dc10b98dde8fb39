/*
Package visit drives a Firefox-family browser through geckodriver to load a
URL and return a screenshot of it.

Every work item gets a fresh browser: StartBrowser launches a new geckodriver
service and profile, and Visit always tears both down before returning, then
runs pkill against the browser's process name so nothing leaks into the next
iteration. The wait after the load event is part of the measurement: the
packet capture brackets the visit, so late requests must finish before Visit
returns.

	exec := visit.NewExecutor(visit.Config{
		Launcher: visit.NewGeckoLauncher("/usr/local/bin/geckodriver"),
	})
	s, err := exec.StartBrowser(ctx, "/usr/lib/mullvad-browser/mullvadbrowser.real")
	if err != nil {
		return // skip this work item
	}
	png, err := exec.Visit(ctx, s, "https://example.org", 20*time.Second)
*/
package visit
