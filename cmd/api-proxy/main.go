// Command api-proxy exposes the resilient client over HTTP: upstream calls
// go through the cache, rate limiting and retries, and every answer is the
// JSON response envelope.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/resilient-api-client/internal/config"
	"github.com/Sternrassler/resilient-api-client/pkg/batch"
	"github.com/Sternrassler/resilient-api-client/pkg/cache"
	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/logging"
	"github.com/Sternrassler/resilient-api-client/pkg/metrics"
	"github.com/Sternrassler/resilient-api-client/pkg/ratelimit"
	"github.com/Sternrassler/resilient-api-client/pkg/tracing"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "api-proxy"

// maxProxyBody bounds request bodies forwarded upstream.
const maxProxyBody = 10 << 20

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("API proxy failed")
	}
}

// run wires and serves the proxy. Errors are returned so every deferred
// cleanup, the cache flush included, runs before the process exits.
func run() error {
	dotenvErr := godotenv.Load()

	cfg := config.Load()
	logger := logging.Setup(cfg.LoggingConfig(serviceName))
	if dotenvErr != nil {
		logger.Debug().Msg("No .env file found, using process environment")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.TracerConfig(serviceName))
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	// The server owns shutdown through ctx, so the registry skips its own
	// signal hooks.
	registry := cache.NewRegistry(logger, cache.WithoutSignalHooks())
	defer registry.RecoverAndShutdown()

	a, err := newApp(ctx, cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("build proxy: %w", err)
	}
	defer a.close()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Server shutdown failed")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("upstream", cfg.API.BaseURL).
		Bool("cache_enabled", cfg.Cache.Enabled).
		Dur("cache_ttl", cfg.Cache.TTL).
		Bool("shared_rate_limit", cfg.Redis.URL != "").
		Msg("Starting API proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info().Msg("API proxy stopped")
	return nil
}

// app holds the wired components behind the HTTP handlers.
type app struct {
	client  *client.Client
	cache   *cache.Store
	tracker *ratelimit.Tracker
	fetcher *batch.Fetcher
	redis   *redis.Client
	logger  zerolog.Logger
}

func newApp(ctx context.Context, cfg config.Config, registry *cache.Registry, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger.With().Str("component", serviceName).Logger()}

	a.cache = cache.New(cache.Config{TTL: cfg.Cache.TTL, Enabled: cfg.Cache.Enabled}, registry, logger)

	var store ratelimit.StateStore
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		store = ratelimit.NewRedisStore(a.redis, cfg.Redis.Prefix)
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}
	a.tracker = ratelimit.NewTracker(store, logger)

	clientCfg := cfg.ClientConfig()
	clientCfg.Cache = a.cache
	clientCfg.RateLimiter = a.tracker
	clientCfg.Logger = &logger

	c, err := client.New(clientCfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = c

	batchCfg := batch.DefaultConfig()
	batchCfg.MaxConcurrency = cfg.Server.BatchConcurrency
	a.fetcher = batch.NewFetcher(c, batchCfg, logger)

	return a, nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func (a *app) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID, accessLog(a.logger))

	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.readyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/cache/stats", a.cacheStatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/cache/ttl", a.cacheTTLHandler).Methods(http.MethodPut)
	r.HandleFunc("/cache/enabled", a.cacheEnabledHandler).Methods(http.MethodPut)
	r.HandleFunc("/cache", a.cacheClearHandler).Methods(http.MethodDelete)
	r.HandleFunc("/ratelimit", a.rateLimitHandler).Methods(http.MethodGet)
	r.HandleFunc("/batch", a.batchHandler).Methods(http.MethodPost)

	r.PathPrefix("/api/").HandlerFunc(a.proxyHandler)
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *app) cacheStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		cache.Stats
		Enabled bool   `json:"enabled"`
		TTL     string `json:"ttl"`
	}{a.cache.Stats(), a.cache.Enabled(), a.cache.TTL().String()})
}

// cacheTTLHandler reconfigures the TTL from ?ttl=<duration>.
func (a *app) cacheTTLHandler(w http.ResponseWriter, r *http.Request) {
	ttl, err := time.ParseDuration(r.URL.Query().Get("ttl"))
	if err != nil || ttl <= 0 {
		http.Error(w, "ttl must be a positive duration", http.StatusBadRequest)
		return
	}
	if err := a.cache.SetTTL(r.Context(), ttl); err != nil {
		a.logger.Error().Err(err).Dur("ttl", ttl).Msg("Cache TTL update failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.cacheStatsHandler(w, r)
}

// cacheEnabledHandler toggles the cache from ?enabled=<bool>.
func (a *app) cacheEnabledHandler(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "enabled must be a boolean", http.StatusBadRequest)
		return
	}
	a.cache.SetEnabled(enabled)
	a.cacheStatsHandler(w, r)
}

func (a *app) cacheClearHandler(w http.ResponseWriter, _ *http.Request) {
	a.cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	state, err := a.tracker.GetState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// batchRequest expands into one GET per page.
type batchRequest struct {
	Path  string     `json:"path"`
	Param string     `json:"param"`
	From  int        `json:"from"`
	To    int        `json:"to"`
	Query url.Values `json:"query,omitempty"`
}

func (a *app) batchHandler(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxProxyBody)).Decode(&req); err != nil {
		http.Error(w, "invalid batch request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.To < req.From {
		http.Error(w, "path and a non-empty page range are required", http.StatusBadRequest)
		return
	}
	if req.Param == "" {
		req.Param = "page"
	}

	reqs := batch.Pages(client.Request{Path: req.Path, Query: req.Query}, req.Param, req.From, req.To)
	responses, err := a.fetcher.FetchAll(r.Context(), reqs)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", req.Path).Msg("Batch incomplete")
	}
	writeJSON(w, http.StatusOK, responses)
}

// proxyHandler forwards /api/<path> upstream and writes the envelope.
func (a *app) proxyHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")

	req := client.Request{
		Method:    r.Method,
		Path:      path,
		Query:     r.URL.Query(),
		Headers:   map[string]string{RequestIDHeader: getRequestID(r.Context())},
		SkipCache: r.Header.Get("Cache-Control") == "no-cache",
	}
	if r.Body != nil && r.Method != http.MethodGet {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			req.Body = json.RawMessage(body)
		}
	}

	resp := a.client.Request(r.Context(), req)
	writeJSON(w, envelopeStatus(resp), resp)
}

// envelopeStatus maps an envelope to the proxy's HTTP status.
func envelopeStatus(resp client.Response[client.Payload]) int {
	switch {
	case resp.Success:
		return http.StatusOK
	case resp.Error.Code >= 400:
		return resp.Error.Code
	case resp.Error.Type == string(client.KindRateLimited):
		return http.StatusTooManyRequests
	case resp.Error.Type == string(client.KindRequest):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
