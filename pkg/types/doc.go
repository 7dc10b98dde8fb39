/*
Package types defines the data structures shared by Burrow's components.

# Core Types

WorkerIdentity:
  - 16 lowercase hex characters derived by pkg/identity
  - Sent as the "id" parameter on every coordination request

VPNAccount:
  - Issued by GET /setup on every VPN setup attempt
  - Written into the VPN daemon's device config, never cached by the worker

WorkItem:
  - One URL, consumed exactly once
  - ID is a local UUID used for log correlation only

Artifacts:
  - Screenshot (PNG, half size) and Capture (pcap bytes) for one visit
  - Retried as-is until the server accepts them

LoopState / Phase:
  - Counters and state of the worker loop, published for /ready and metrics
*/
package types
