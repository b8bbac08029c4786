// Package metrics declares the Prometheus instrumentation for the proxy:
// package-level promauto-registered vectors plus a Handler() for
// mounting /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProxyAttempts counts proxied requests, once each, labeled by proxy
	// mode and final outcome; individual retries are not counted here.
	ProxyAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilmeta_proxy_attempts_total",
			Help: "Proxied requests, by mode and final outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// ProxyRetries counts the number of retries spent per proxied request
	// (0 means the first candidate succeeded).
	ProxyRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "utilmeta_proxy_retries",
			Help:    "Retries consumed per proxied request before a final response.",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"mode"},
	)

	// ProxyRequestDuration tracks end-to-end proxy request latency.
	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "utilmeta_proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// RegistrationOutcomes counts registration attempts by result.
	RegistrationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilmeta_registration_outcomes_total",
			Help: "Instance registrations, by outcome.",
		},
		[]string{"outcome"},
	)

	// SupervisorCircuitState exposes whether the supervisor RPC circuit
	// breaker is currently tripped, labeled by base URL.
	SupervisorCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "utilmeta_supervisor_circuit_open",
			Help: "1 if the supervisor circuit breaker for base_url is open, else 0.",
		},
		[]string{"base_url"},
	)
)

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
