package cache

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Registry tracks every live Store of a process so they can be flushed and
// closed together at shutdown. It is owned by the composition root and
// injected into each Store.
type Registry struct {
	mu       sync.Mutex
	stores   []*Store
	shutdown bool

	signalHooks  bool
	hooksOnce    sync.Once
	shutdownOnce sync.Once
	signals      chan os.Signal
	quit         chan struct{}
	hooksDone    chan struct{}
	exit         func(code int)

	logger zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithoutSignalHooks disables SIGINT/SIGTERM handling. Use it in tests and
// when the embedding program manages signals itself.
func WithoutSignalHooks() RegistryOption {
	return func(r *Registry) {
		r.signalHooks = false
	}
}

// WithExitFunc replaces os.Exit as the action taken after a termination
// signal has been handled.
func WithExitFunc(exit func(code int)) RegistryOption {
	return func(r *Registry) {
		r.exit = exit
	}
}

// NewRegistry creates an empty registry. Signal hooks are installed lazily
// on the first Register call.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		signalHooks: true,
		quit:        make(chan struct{}),
		exit:        os.Exit,
		logger:      logger.With().Str("component", "cache-registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds s to the registry. A store registered after Shutdown is
// closed immediately.
func (r *Registry) Register(s *Store) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		r.logger.Warn().Msg("Cache store registered after shutdown, closing it")
		_ = s.Close()
		return
	}
	r.stores = append(r.stores, s)
	r.mu.Unlock()

	if r.signalHooks {
		r.hooksOnce.Do(r.installHooks)
	}
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

func (r *Registry) installHooks() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	r.signals = signals
	r.hooksDone = done
	r.mu.Unlock()

	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(done)
		select {
		case sig := <-signals:
			r.handleSignal(sig)
		case <-r.quit:
		}
	}()

	r.logger.Debug().Msg("Termination hooks installed")
}

// handleSignal closes every store and exits with 128+signo.
func (r *Registry) handleSignal(sig os.Signal) {
	r.logger.Info().Str("signal", sig.String()).Msg("Termination signal received, closing cache stores")

	if err := r.Shutdown(); err != nil {
		r.logger.Error().Err(err).Msg("Cache shutdown incomplete")
	}

	code := 1
	if s, ok := sig.(syscall.Signal); ok {
		code = 128 + int(s)
	}
	r.exit(code)
}

// Shutdown closes every registered store exactly once, stops signal
// delivery and ends the signal goroutine. Later calls are no-ops.
func (r *Registry) Shutdown() error {
	var err error
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.shutdown = true
		stores := r.stores
		r.stores = nil
		signals := r.signals
		r.mu.Unlock()

		if signals != nil {
			signal.Stop(signals)
		}
		close(r.quit)

		var g errgroup.Group
		for _, s := range stores {
			g.Go(s.Close)
		}
		if err = g.Wait(); err != nil {
			CacheErrors.WithLabelValues("close").Inc()
			err = errors.Join(errors.New("close cache stores"), err)
		}

		r.logger.Info().Int("stores", len(stores)).Msg("Cache stores closed")
	})
	return err
}

// RecoverAndShutdown is meant to be deferred in main. It closes every store
// on normal return and on panic; a recovered panic is re-raised after
// cleanup.
func (r *Registry) RecoverAndShutdown() {
	if p := recover(); p != nil {
		r.logger.Error().Interface("panic", p).Msg("Panic in main, closing cache stores")
		_ = r.Shutdown()
		panic(p)
	}
	_ = r.Shutdown()
}
