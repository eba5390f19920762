package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the coordinator API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// latencyBuckets spans sub-second token gaps up to multi-minute generations
var latencyBuckets = prometheus.ExponentialBuckets(0.005, 2, 17) // 5ms to ~5.5min

// Load generation metrics
var (
	// GenerationRequests counts finished generation requests by backend and outcome
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbench_generation_requests_total",
			Help: "Generation requests by backend and outcome (ok, protocol_error, transport_error, canceled)",
		},
		[]string{"backend", "outcome"},
	)

	// GenerationInFlight tracks requests currently streaming
	GenerationInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmbench_generation_in_flight",
			Help: "Generation requests currently awaiting or reading a response stream",
		},
		[]string{"backend"},
	)

	// E2ELatency tracks end-to-end latency of completed requests
	E2ELatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbench_e2e_latency_seconds",
			Help:    "End-to-end latency of completed generation requests",
			Buckets: latencyBuckets,
		},
		[]string{"backend"},
	)

	// TTFTLatency tracks time to first token of completed requests
	TTFTLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbench_ttft_seconds",
			Help:    "Time to first token of completed generation requests",
			Buckets: latencyBuckets,
		},
		[]string{"backend"},
	)

	// TPOTLatency tracks time per output token of completed requests
	TPOTLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbench_tpot_seconds",
			Help:    "Time per output token of completed generation requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"backend"},
	)

	// ActiveSessions tracks running user sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmbench_active_sessions",
			Help: "Number of user sessions currently issuing requests",
		},
	)

	// EmptySessions counts sessions that stopped without a completed request
	EmptySessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmbench_empty_sessions_total",
			Help: "Sessions that stopped with zero completed requests",
		},
	)
)

// Coordinator metrics
var (
	// SummariesReceived counts worker summaries merged by the coordinator
	SummariesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmbench_worker_summaries_total",
			Help: "Worker summaries received by the coordinator",
		},
	)

	// AggregateSessions tracks the merged session count of the current run
	AggregateSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmbench_aggregate_sessions",
			Help: "Sessions merged into the coordinator's aggregate record",
		},
	)

	// ResultStoreWrites counts result store persistence attempts by status
	ResultStoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbench_result_store_writes_total",
			Help: "Result store writes by status (success, error)",
		},
		[]string{"status"},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGeneration records a finished request; latencies are only observed for ok outcomes
func RecordGeneration(backend, outcome string, e2e, ttft, tpot float64) {
	GenerationRequests.WithLabelValues(backend, outcome).Inc()
	if outcome != "ok" {
		return
	}
	E2ELatency.WithLabelValues(backend).Observe(e2e)
	TTFTLatency.WithLabelValues(backend).Observe(ttft)
	TPOTLatency.WithLabelValues(backend).Observe(tpot)
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement
func TrackInFlight(backend string) func() {
	g := GenerationInFlight.WithLabelValues(backend)
	g.Inc()
	return g.Dec
}

// RecordResultStoreWrite counts one persistence attempt
func RecordResultStoreWrite(err error) {
	if err != nil {
		ResultStoreWrites.WithLabelValues("error").Inc()
		return
	}
	ResultStoreWrites.WithLabelValues("success").Inc()
}
