package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "novarelay",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// UpstreamAttemptsTotal counts dispatch attempts against upstream credentials.
var UpstreamAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "novarelay",
		Subsystem: "upstream",
		Name:      "attempts_total",
		Help:      "Total number of upstream dispatch attempts by outcome.",
	},
	[]string{"outcome"}, // ok | retryable_rate_limited | retryable_server_error | retryable_transport | fatal_unauthorized | fatal_forbidden | fatal_permanently_invalid
)

// RequestsTotal counts completed client requests by terminal status.
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "novarelay",
		Subsystem: "requests",
		Name:      "total",
		Help:      "Total number of completed client requests by status.",
	},
	[]string{"status"}, // ok | error
)

// TimeToFirstToken records TTFT for streaming requests that produced at
// least one delta.
var TimeToFirstToken = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "novarelay",
		Subsystem: "requests",
		Name:      "time_to_first_token_seconds",
		Help:      "Time to first streamed token in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

// TokensTotal counts input/output tokens accounted across all requests.
var TokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "novarelay",
		Subsystem: "tokens",
		Name:      "total",
		Help:      "Total tokens accounted by direction.",
	},
	[]string{"direction"}, // input | output
)

// CredentialScore exposes each upstream credential's current score so
// operators can see pool health without querying the database.
var CredentialScore = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "novarelay",
		Subsystem: "credential",
		Name:      "score",
		Help:      "Current in-memory score of an upstream credential.",
	},
	[]string{"credential_id"},
)

// All returns every novarelay-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		UpstreamAttemptsTotal,
		RequestsTotal,
		TimeToFirstToken,
		TokensTotal,
		CredentialScore,
	}
}
