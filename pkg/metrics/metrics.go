package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// Work metrics
	WorkFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_work_fetch_total",
			Help: "Total number of work fetches by result (work, empty)",
		},
		[]string{"result"},
	)

	WorkCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_work_completed_total",
			Help: "Total number of work items whose results were accepted",
		},
	)

	WorkDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_work_dropped_total",
			Help: "Total number of work items dropped before reporting, by reason",
		},
		[]string{"reason"},
	)

	// Visit metrics
	VisitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_visit_duration_seconds",
			Help:    "Time from navigation to screenshot in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"result"},
	)

	ScreenshotBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_screenshot_bytes",
			Help:    "Size of downscaled screenshots in bytes",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 8),
		},
	)

	CaptureBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_capture_bytes",
			Help:    "Size of packet captures in bytes",
			Buckets: prometheus.ExponentialBuckets(4<<10, 2, 10),
		},
	)

	// Reporting metrics
	ReportAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_report_attempts_total",
			Help: "Total number of result uploads by outcome",
		},
		[]string{"result"},
	)

	ReportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_report_duration_seconds",
			Help:    "Time from first upload attempt to acceptance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// VPN metrics
	VPNSetups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_vpn_setup_total",
			Help: "Total number of VPN setup attempts by outcome",
		},
		[]string{"result"},
	)

	TunnelRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tunnel_restart_total",
			Help: "Total number of tunnel restart attempts by outcome",
		},
		[]string{"result"},
	)

	TunnelEstablished = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_tunnel_established",
			Help: "Whether the worker considers the VPN tunnel established (1 = yes)",
		},
	)

	// Loop metrics
	LoopPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_loop_phase",
			Help: "Current worker loop phase (1 for the active phase, 0 otherwise)",
		},
		[]string{"phase"},
	)

	WorkCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_work_since_restart",
			Help: "Completed work items since the last tunnel restart",
		},
	)

	WorkAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_work_attempts",
			Help: "Consecutive empty work fetches",
		},
	)

	BackoffSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_backoff_seconds",
			Help:    "Retry delays drawn by the worker loop, by phase",
			Buckets: prometheus.LinearBuckets(10, 2, 6),
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(WorkFetched)
	prometheus.MustRegister(WorkCompleted)
	prometheus.MustRegister(WorkDropped)
	prometheus.MustRegister(VisitDuration)
	prometheus.MustRegister(ScreenshotBytes)
	prometheus.MustRegister(CaptureBytes)
	prometheus.MustRegister(ReportAttempts)
	prometheus.MustRegister(ReportDuration)
	prometheus.MustRegister(VPNSetups)
	prometheus.MustRegister(TunnelRestarts)
	prometheus.MustRegister(TunnelEstablished)
	prometheus.MustRegister(LoopPhase)
	prometheus.MustRegister(WorkCount)
	prometheus.MustRegister(WorkAttempts)
	prometheus.MustRegister(BackoffSeconds)
}

// SetPhase marks phase as the active loop phase
func SetPhase(phase types.Phase) {
	for _, p := range types.AllPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		LoopPhase.WithLabelValues(string(p)).Set(v)
	}
}

// SetLoopState publishes the loop counters
func SetLoopState(state types.LoopState) {
	if state.TunnelEstablished {
		TunnelEstablished.Set(1)
	} else {
		TunnelEstablished.Set(0)
	}
	WorkCount.Set(float64(state.WorkCount))
	WorkAttempts.Set(float64(state.WorkAttempts))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
