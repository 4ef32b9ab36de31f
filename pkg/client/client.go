// Package client provides the request dispatcher: one request lifecycle
// combining the response cache, client-side and server-side rate limiting,
// and retries with exponential backoff.
//
// Every call returns a Response envelope. No error escapes Request; only New
// returns an error, for an invalid configuration.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/cache"
	"github.com/Sternrassler/resilient-api-client/pkg/ratelimit"
	"github.com/Sternrassler/resilient-api-client/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/Sternrassler/resilient-api-client/pkg/client"

// Doer is the transport. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the absolute URL every request path is resolved against (required).
	BaseURL string

	// Token is sent as a bearer token (required).
	Token string

	// Realm is sent as X-Realm when set.
	Realm string

	UserAgent      string
	DefaultHeaders map[string]string

	// Timeout applies to the default HTTP client only.
	Timeout time.Duration

	// Retry
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Client-side rate limiting (requests per second, 0 = unlimited)
	RateLimit float64
	RateBurst int

	// Cache stores successful GET responses. Nil disables caching.
	Cache *cache.Store

	// RateLimiter gates the first attempt of each request on the
	// server-advertised budget. Retries are paced by the backoff instead, so
	// a low budget reported by a failed attempt never hides that failure.
	// Optional.
	RateLimiter *ratelimit.Tracker

	// HTTPClient replaces the default *http.Client.
	HTTPClient Doer

	// Delay replaces retry.Sleep between attempts.
	Delay retry.DelayFunc

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:     baseURL,
		Token:       token,
		UserAgent:   "resilient-api-client/1.0",
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Client dispatches requests.
type Client struct {
	config      Config
	httpClient  Doer
	cache       *cache.Store
	rateLimiter *ratelimit.Tracker
	limiter     *rate.Limiter
	tracer      trace.Tracer
	delay       retry.DelayFunc
	logger      zerolog.Logger
}

// New creates a client. Errors wrap ErrConfiguration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConfiguration)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: base URL %q is not an absolute URL", ErrConfiguration, cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrConfiguration)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must be >= 1 (got %d)", ErrConfiguration, cfg.MaxAttempts)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("%w: rate limit must be >= 0 (got %v)", ErrConfiguration, cfg.RateLimit)
	}

	defaults := DefaultConfig(cfg.BaseURL, cfg.Token)
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	logger := log.With().Str("component", "api-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "api-client").Logger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	delay := cfg.Delay
	if delay == nil {
		delay = retry.Sleep
	}

	return &Client{
		config:      cfg,
		httpClient:  httpClient,
		cache:       cfg.Cache,
		rateLimiter: cfg.RateLimiter,
		limiter:     limiter,
		tracer:      tp.Tracer(tracerName),
		delay:       delay,
		logger:      logger,
	}, nil
}

// Request runs the full lifecycle for req.
func (c *Client) Request(ctx context.Context, req Request) Response[Payload] {
	cl, err := c.newCall(req)
	if err != nil {
		c.logger.Error().Err(err).Str("path", req.Path).Msg("Invalid request")
		errorsTotal.WithLabelValues(string(KindRequest)).Inc()
		return failure(err, 0, false)
	}
	return c.execute(ctx, cl)
}

// UploadFile sends a multipart/form-data POST. Uploads are never cached.
func (c *Client) UploadFile(ctx context.Context, upload FileUpload) Response[Payload] {
	cl, err := c.newUploadCall(upload)
	if err != nil {
		c.logger.Error().Err(err).Str("path", upload.Path).Msg("Invalid upload")
		errorsTotal.WithLabelValues(string(KindRequest)).Inc()
		return failure(err, 0, false)
	}
	return c.execute(ctx, cl)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) Response[Payload] {
	return c.Request(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) Response[Payload] {
	return c.Request(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) Response[Payload] {
	return c.Request(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) Response[Payload] {
	return c.Request(ctx, Request{Method: http.MethodDelete, Path: path})
}

// Cache returns the response cache, or nil.
func (c *Client) Cache() *cache.Store {
	return c.cache
}

// Close releases idle transport connections.
func (c *Client) Close() error {
	if closer, ok := c.httpClient.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
	return nil
}

func (c *Client) execute(ctx context.Context, cl *call) Response[Payload] {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(cl.method).Observe(time.Since(startTime).Seconds())
	}()

	ctx, span := c.tracer.Start(ctx, "client.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", cl.method),
			attribute.String("url.full", cl.url),
		))
	defer span.End()

	logger := c.logger.With().Str("method", cl.method).Str("url", cl.url).Logger()

	// Step 1: Check Cache
	var cacheKey string
	if cl.cacheable && c.cache != nil {
		cacheKey = cache.Key{Method: cl.method, URL: cl.url}.String()
		if payload, ok := cache.GetAs[Payload](c.cache, cacheKey); ok {
			logger.Debug().Bool("cache_hit", true).Msg("Serving response from cache")
			span.SetAttributes(attribute.Bool("cache.hit", true))
			requestsTotal.WithLabelValues(cl.method, "cache_hit").Inc()
			return Response[Payload]{Success: true, Data: payload}
		}
		logger.Debug().Bool("cache_hit", false).Msg("Cache miss")
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// Step 2: Send with retries
	attempts := 0
	status := 0
	policy := retry.Policy{
		MaxAttempts: c.config.MaxAttempts,
		BaseDelay:   c.config.BaseDelay,
		MaxDelay:    c.config.MaxDelay,
		Multiplier:  2.0,
		Jitter:      0.2,
		IsRetryable: IsRetryable,
		Delay:       c.delay,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			retriesTotal.WithLabelValues(errorType(err)).Inc()
			retryBackoffSeconds.Observe(delay.Seconds())
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", c.config.MaxAttempts).
				Dur("backoff", delay).
				Msg("Retrying request after backoff")
		},
	}

	payload, err := retry.Do(ctx, policy, func(ctx context.Context) (Payload, error) {
		attempts++
		p, code, err := c.send(ctx, cl, attempts == 1, logger)
		status = code
		return p, err
	})

	span.SetAttributes(attribute.Int("attempts", attempts))
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}

	// Step 3: Terminal failure
	if err != nil {
		exhausted := attempts >= c.config.MaxAttempts && IsRetryable(err)
		resp := failure(err, attempts, exhausted)

		errorsTotal.WithLabelValues(resp.Error.Type).Inc()
		if exhausted {
			retryExhaustedTotal.WithLabelValues(resp.Error.Type).Inc()
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, resp.Error.Message)

		event := logger.Warn()
		if exhausted {
			event = logger.Error()
		}
		event.Err(err).
			Int("attempts", attempts).
			Int("status_code", resp.Error.Code).
			Str("error_type", resp.Error.Type).
			Bool("exhausted", exhausted).
			Msg("Request failed")
		return resp
	}

	// Step 4: Update Cache on success
	if cacheKey != "" {
		c.cache.Set(cacheKey, payload)
		logger.Debug().Msg("Cached response")
	}

	logger.Debug().Int("status_code", status).Int("attempts", attempts).Msg("Request succeeded")
	return Response[Payload]{Success: true, Data: payload}
}

// send performs one attempt and returns the HTTP status when a response was
// received. gate consults the rate limit tracker before sending.
func (c *Client) send(ctx context.Context, cl *call, gate bool, logger zerolog.Logger) (Payload, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Payload{}, 0, classifyTransportError(ctx, err)
			}
			requestsTotal.WithLabelValues(cl.method, "rate_limited").Inc()
			return Payload{}, 0, &RequestError{Kind: KindRateLimited, Message: "client rate limit wait aborted", Err: err}
		}
	}

	if gate && c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return Payload{}, 0, classifyTransportError(ctx, err)
		case err != nil:
			logger.Warn().Err(err).Msg("Rate limit check failed, sending anyway")
		case !allowed:
			requestsTotal.WithLabelValues(cl.method, "rate_limited").Inc()
			return Payload{}, 0, &RequestError{Kind: KindRateLimited, Message: "request blocked: rate limit critical"}
		}
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, cl.method, cl.url, body)
	if err != nil {
		return Payload{}, 0, &RequestError{Kind: KindRequest, Message: "failed to build request", Err: err}
	}
	httpReq.Header = cl.header.Clone()

	logger.Debug().Msg("Sending request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues(cl.method, "network_error").Inc()
		logger.Debug().Err(err).Msg("Transport error")
		return Payload{}, 0, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(cl.method, "network_error").Inc()
		return Payload{}, resp.StatusCode, classifyTransportError(ctx, err)
	}

	requestsTotal.WithLabelValues(cl.method, strconv.Itoa(resp.StatusCode)).Inc()
	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := errorFromResponse(resp.StatusCode, contentType, raw)
		logger.Debug().
			Int("status_code", resp.StatusCode).
			Bool("retryable", reqErr.Retryable()).
			Msg("Upstream returned error status")
		return Payload{}, resp.StatusCode, reqErr
	}

	payload, err := parsePayload(contentType, raw)
	if err != nil {
		return Payload{}, resp.StatusCode, newParseError(resp.StatusCode, err)
	}
	return payload, resp.StatusCode, nil
}
