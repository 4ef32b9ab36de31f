package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for dispatcher operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_requests_total",
		Help: "Total requests by method and outcome (HTTP status, cache_hit, network_error, rate_limited)",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apiclient_request_duration_seconds",
		Help:    "Request duration in seconds including retries, by method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_errors_total",
		Help: "Total failed requests by error type",
	}, []string{"type"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_retries_total",
		Help: "Total number of retry attempts by error type",
	}, []string{"type"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apiclient_retry_backoff_seconds",
		Help:    "Backoff duration before each retry",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_retry_exhausted_total",
		Help: "Total number of requests that ran out of attempts, by error type",
	}, []string{"type"})
)

// errorType is the metric label for err.
func errorType(err error) string {
	return newErrorEnvelope(err, 0, false).Type
}
