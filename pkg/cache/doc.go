// Package cache provides the process-local response cache used by the
// request dispatcher.
//
// A Store maps string keys to arbitrary values with a per-entry time-to-live.
// Entries expire lazily on access and are additionally evicted by a
// background sweeper that runs at a fifth of the default TTL.
//
// # Basic Usage
//
//	registry := cache.NewRegistry(logger)
//	defer registry.RecoverAndShutdown()
//
//	store := cache.New(cache.Config{TTL: time.Minute, Enabled: true}, registry, logger)
//
//	key := cache.Key{Method: "GET", URL: "https://api.example.com/users"}.String()
//	if v, ok := store.Get(key); ok {
//		// cache hit
//	}
//	store.Set(key, value)
//
// # Live Reconfiguration
//
// SetEnabled(false) discards every entry; re-enabling starts from an empty
// table. SetTTL rebuilds the table under the new TTL: every live value is
// kept, its expiry clock restarts. Concurrent SetTTL calls are applied one
// at a time in submission order.
//
// # Shutdown
//
// Every Store registers itself with the Registry it was built with. The
// registry closes all of them on Shutdown, on SIGINT/SIGTERM and, when
// deferred through RecoverAndShutdown, on a panic in main.
//
// # Metrics
//
//   - apiclient_cache_hits_total - Cache hits
//   - apiclient_cache_misses_total - Cache misses (disabled reads included)
//   - apiclient_cache_evictions_total{reason} - Entries removed (expired, disabled, cleared, deleted)
//   - apiclient_cache_migrations_total - Completed TTL reconfigurations
//   - apiclient_cache_errors_total{operation} - Internal failures (migrate, close)
package cache
