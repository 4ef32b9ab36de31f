// Package metrics exposes the Prometheus registry used by the client library.
// All metrics are defined in their respective packages (cache, client,
// ratelimit, batch) via promauto and register on the default registerer.
//
// This package documents the catalogue and serves it over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto collectors use.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer backing Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves all registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Unlabelled lists the metrics that are exported as soon as their package is
// linked, before any observation.
var Unlabelled = []string{
	"apiclient_cache_hits_total",
	"apiclient_cache_misses_total",
	"apiclient_cache_migrations_total",
	"apiclient_rate_limit_remaining",
	"apiclient_rate_limit_blocks_total",
	"apiclient_rate_limit_throttles_total",
	"apiclient_retry_backoff_seconds",
	"apiclient_batch_duration_seconds",
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - apiclient_cache_hits_total (Counter): Get calls that returned a live entry
//   - apiclient_cache_misses_total (Counter): Get calls on absent, expired or disabled entries
//   - apiclient_cache_evictions_total{reason} (Counter): Entries removed (expired, deleted, cleared, disabled)
//   - apiclient_cache_migrations_total (Counter): SetTTL rebuilds
//   - apiclient_cache_errors_total{operation} (Counter): Failed store operations
//
// Rate Limit Metrics (pkg/ratelimit):
//   - apiclient_rate_limit_remaining (Gauge): Upstream budget left in the current window
//   - apiclient_rate_limit_blocks_total (Counter): Requests refused at the critical threshold
//   - apiclient_rate_limit_throttles_total (Counter): Requests delayed at the warning threshold
//
// Request Metrics (pkg/client):
//   - apiclient_requests_total{method, status} (Counter): Upstream responses by method and status
//   - apiclient_request_duration_seconds{method} (Histogram): Dispatch duration, retries included
//   - apiclient_errors_total{type} (Counter): Terminal failures by envelope type
//
// Retry Metrics (pkg/client):
//   - apiclient_retries_total{type} (Counter): Retries scheduled by error type
//   - apiclient_retry_backoff_seconds (Histogram): Backoff delays before retries
//   - apiclient_retry_exhausted_total{type} (Counter): Requests that used every attempt
//
// Batch Metrics (pkg/batch):
//   - apiclient_batch_requests_total{outcome} (Counter): Batch members by outcome
//   - apiclient_batch_duration_seconds (Histogram): Duration of complete batches
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(apiclient_cache_hits_total[5m])) /
//	(sum(rate(apiclient_cache_hits_total[5m])) + sum(rate(apiclient_cache_misses_total[5m])))
//
//	# Rate Limit Status
//	apiclient_rate_limit_remaining < 20
//
//	# Retry Pressure
//	sum by (type) (rate(apiclient_retries_total[5m]))
//
//	# P95 Request Latency
//	histogram_quantile(0.95, rate(apiclient_request_duration_seconds_bucket[5m]))
