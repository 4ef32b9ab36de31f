// Package batch runs many request descriptors through one dispatcher with
// bounded concurrency.
//
// Example usage:
//
//	fetcher := batch.NewFetcher(apiClient, batch.DefaultConfig(), logger)
//	responses, err := fetcher.FetchAll(ctx, batch.Pages(client.Request{Path: "/orders"}, "page", 1, 20))
//
// Every descriptor yields exactly one response, in input order. Individual
// failures stay in their envelopes and never abort the batch; only a
// cancelled context stops dispatching, in which case the undispatched
// slots carry a failure envelope and the context error is returned.
package batch

import (
	"context"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	batchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_batch_requests_total",
		Help: "Total batch requests by outcome",
	}, []string{"outcome"}) // "success", "failure", "cancelled"

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apiclient_batch_duration_seconds",
		Help:    "Duration of complete batches",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})
)

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of requests in flight.
	MaxConcurrency int

	// Timeout bounds each request, retries included (0 = none).
	Timeout time.Duration
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// Requester is the dispatcher surface the fetcher needs. *client.Client
// satisfies it.
type Requester interface {
	Request(ctx context.Context, req client.Request) client.Response[client.Payload]
}

// Fetcher executes batches.
type Fetcher struct {
	requester Requester
	config    Config
	logger    zerolog.Logger
}

// NewFetcher creates a batch fetcher.
func NewFetcher(requester Requester, config Config, logger zerolog.Logger) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Fetcher{
		requester: requester,
		config:    config,
		logger:    logger.With().Str("component", "batch-fetcher").Logger(),
	}
}

// FetchAll executes reqs and returns one response per request, in order.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []client.Request) ([]client.Response[client.Payload], error) {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	responses := make([]client.Response[client.Payload], len(reqs))
	dispatched := make([]bool, len(reqs))
	var failed atomic.Int64

	f.logger.Info().
		Int("requests", len(reqs)).
		Int("concurrency", f.config.MaxConcurrency).
		Msg("Starting batch")

	var g errgroup.Group
	g.SetLimit(f.config.MaxConcurrency)

	for i, req := range reqs {
		// g.Go blocks while MaxConcurrency requests are in flight
		if ctx.Err() != nil {
			break
		}
		dispatched[i] = true

		g.Go(func() error {
			reqCtx := ctx
			if f.config.Timeout > 0 {
				var cancel context.CancelFunc
				reqCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
				defer cancel()
			}

			resp := f.requester.Request(reqCtx, req)
			responses[i] = resp

			if resp.Success {
				batchRequestsTotal.WithLabelValues("success").Inc()
				return nil
			}

			failed.Add(1)
			batchRequestsTotal.WithLabelValues("failure").Inc()
			f.logger.Warn().
				Int("index", i).
				Str("path", req.Path).
				Int("status_code", resp.Error.Code).
				Str("error_type", resp.Error.Type).
				Msg("Batch request failed")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		cancelled := 0
		for i := range reqs {
			if dispatched[i] {
				continue
			}
			cancelled++
			responses[i] = client.Response[client.Payload]{Error: &client.ErrorEnvelope{
				Message: "batch cancelled before dispatch: " + err.Error(),
				Type:    string(client.KindRequest),
			}}
		}
		batchRequestsTotal.WithLabelValues("cancelled").Add(float64(cancelled))

		f.logger.Warn().
			Err(err).
			Int("cancelled", cancelled).
			Int64("failed", failed.Load()).
			Int("total", len(reqs)).
			Msg("Batch cancelled - returning partial results")
		if cancelled > 0 {
			return responses, err
		}
	}

	f.logger.Info().
		Int("requests", len(reqs)).
		Int64("failed", failed.Load()).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return responses, nil
}

// Pages expands base into one request per page in [from, to], setting the
// query parameter param. base is not modified.
func Pages(base client.Request, param string, from, to int) []client.Request {
	if to < from {
		return nil
	}

	reqs := make([]client.Request, 0, to-from+1)
	for page := from; page <= to; page++ {
		query := url.Values{}
		for k, v := range base.Query {
			query[k] = append([]string(nil), v...)
		}
		query.Set(param, strconv.Itoa(page))

		req := base
		req.Query = query
		reqs = append(reqs, req)
	}
	return reqs
}
