package types

import (
	"time"
)

// WorkerIdentity is the 16 hex character identifier a worker presents to the
// coordination server.
type WorkerIdentity string

// VPNAccount is the credential bundle the coordination server issues on /setup
type VPNAccount struct {
	AccountToken     string `json:"account_token"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	DevicePrivateKey string `json:"device_private_key"`
	DeviceIPv4       string `json:"device_ipv4_address"`
	DeviceIPv6       string `json:"device_ipv6_address"`
}

// SetupResponse is the body of GET /setup
type SetupResponse struct {
	Account *VPNAccount `json:"account"`
}

// WorkItem is a single URL handed out by the coordination server
type WorkItem struct {
	ID        string // Local correlation ID, never sent to the server
	URL       string
	FetchedAt time.Time
}

// Artifacts holds everything produced by one visit
type Artifacts struct {
	Screenshot []byte // PNG, downscaled
	Capture    []byte // Raw pcap
}

// Toggle is the desired state of the VPN service or tunnel
type Toggle string

const (
	ToggleOn  Toggle = "on"
	ToggleOff Toggle = "off"
)

// Phase is the current state of the worker loop
type Phase string

const (
	PhaseEstablishingVPN  Phase = "establishing_vpn"
	PhasePolling          Phase = "polling"
	PhaseExecuting        Phase = "executing"
	PhaseReporting        Phase = "reporting"
	PhaseRestartingTunnel Phase = "restarting_tunnel"
	PhaseStopped          Phase = "stopped"
)

// AllPhases lists every phase in loop order
var AllPhases = []Phase{
	PhaseEstablishingVPN,
	PhasePolling,
	PhaseExecuting,
	PhaseReporting,
	PhaseRestartingTunnel,
	PhaseStopped,
}

// LoopState tracks the counters that drive tunnel restarts and VPN
// re-establishment
type LoopState struct {
	TunnelEstablished bool
	WorkCount         int // Completed jobs since the last tunnel restart
	WorkAttempts      int // Consecutive empty work fetches
}
