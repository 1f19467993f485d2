// Package metrics provides Prometheus instrumentation for the cell gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CallsTotal counts logical inter-cell calls by destination, operation,
	// and outcome ("ok" or the gateway error code).
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgw_calls_total",
			Help: "Total logical inter-cell calls",
		},
		[]string{"cell", "operation", "outcome"},
	)

	// CallDuration observes logical call latency in seconds, retries included.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellgw_call_duration_seconds",
			Help:    "Logical call latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cell", "operation"},
	)

	// RetryTotal counts retry attempts by destination and operation.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgw_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"cell", "operation"},
	)

	// CircuitBreakerState exposes the current breaker state per destination
	// (0 = closed, 1 = open, 2 = half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellgw_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"cell"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by destination
	// and edge.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgw_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"cell", "from", "to"},
	)

	// CircuitHealthScore exposes the derived 0-100 health score per destination.
	CircuitHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellgw_circuit_health_score",
			Help: "Derived destination health score (0-100)",
		},
		[]string{"cell"},
	)

	// CircuitOpenRejections counts calls shed without a network attempt.
	CircuitOpenRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgw_circuit_open_rejections_total",
			Help: "Total calls rejected because the destination circuit was open",
		},
		[]string{"cell"},
	)

	// ValidationFailures counts schema validation failures by edge
	// ("request" or "response").
	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgw_validation_failures_total",
			Help: "Total schema validation failures",
		},
		[]string{"cell", "operation", "edge"},
	)

	// RateLimitRejections counts calls rejected by the outbound limiter.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgw_rate_limit_rejections_total",
			Help: "Total calls rejected by the outbound rate limiter",
		},
		[]string{"cell"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		CallsTotal,
		CallDuration,
		RetryTotal,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitHealthScore,
		CircuitOpenRejections,
		ValidationFailures,
		RateLimitRejections,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
