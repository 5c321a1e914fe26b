// Package metrics defines the Prometheus instruments exported by the
// control plane. Init registers them with the default registry once, from
// the composition root; the /metrics endpoint serves them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NodesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_nodes_connected",
			Help: "Number of currently registered worker nodes",
		},
	)

	FramesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_frames_received_total",
			Help: "Total frames received from workers by frame type",
		},
		[]string{"type"},
	)

	FramesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_frames_sent_total",
			Help: "Total frames sent to workers by frame type",
		},
		[]string{"type"},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_auth_failures_total",
			Help: "Total rejected worker authentication attempts",
		},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_dispatches_total",
			Help: "Total job dispatch outcomes",
		},
		[]string{"outcome"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_job_retries_total",
			Help: "Total job attempts requeued after a timeout",
		},
	)

	DeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_dead_lettered_total",
			Help: "Total jobs moved to the dead-letter list",
		},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_queries_total",
			Help: "Total chat queries by outcome",
		},
		[]string{"outcome"},
	)

	DepositsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_deposits_total",
			Help: "Total verified deposits credited to user balances",
		},
	)

	DistributionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_distributions_total",
			Help: "Total payment distributions by mode",
		},
		[]string{"mode"},
	)

	PlannerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_planner_requests_total",
			Help: "Total planner model calls by operation",
		},
		[]string{"op"},
	)

	PlannerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_planner_request_duration_seconds",
			Help:    "Planner model call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_http_requests_total",
			Help: "Total HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "method"},
	)
)

// Init registers all instruments with the default Prometheus registry.
// Call it exactly once, before serving /metrics.
func Init() {
	prometheus.MustRegister(
		NodesConnected,
		FramesReceivedTotal,
		FramesSentTotal,
		AuthFailuresTotal,
		DispatchesTotal,
		JobRetriesTotal,
		DeadLetteredTotal,
		QueriesTotal,
		DepositsTotal,
		DistributionsTotal,
		PlannerRequestsTotal,
		PlannerRequestDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
