/*
Package coord is the worker's client for the coordination server.

The protocol has three calls, all keyed by the worker identity:

	GET  {server}/setup?id=ID   -> {"account": {...}}      VPN credentials
	GET  {server}/work?id=ID    -> text/plain URL or empty  next work item
	POST {server}/work          form id, url, png_data, pcap_data (hex)

FetchWork and PostResult never return errors: a transport failure and "no
work" both come back as "", and any upload outcome other than 200 comes back
as false. The worker loop answers both the same way, with a jittered retry.
FetchAccount returns an error because VPN setup logs the reason.

Requests share one http.Client and pass through a token-bucket limiter so a
worker stuck in a fast failure path cannot flood the server.
*/
package coord
