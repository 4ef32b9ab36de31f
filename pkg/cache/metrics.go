package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiclient_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks cache misses, including reads against a disabled store
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiclient_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheEvictions tracks removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_cache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"reason"}, // "expired", "disabled", "cleared", "deleted"
	)

	// CacheMigrations tracks completed TTL reconfigurations
	CacheMigrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiclient_cache_migrations_total",
			Help: "Total number of cache TTL reconfigurations",
		},
	)

	// CacheErrors tracks internal cache failures
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_cache_errors_total",
			Help: "Total number of internal cache errors",
		},
		[]string{"operation"}, // "migrate", "close"
	)
)
