/*
Package api serves a worker's operational endpoints over plain HTTP.

	GET /health   component health (503 while any component is unhealthy)
	GET /ready    200 once the tunnel is up and the server has answered
	GET /live     200 while the process runs
	GET /metrics  Prometheus metrics

The server is optional and only started when an address is configured.
*/
package api
