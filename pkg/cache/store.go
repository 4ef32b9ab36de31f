package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is used when Config.TTL is not positive.
	DefaultTTL = 5 * time.Minute

	// minSweepInterval bounds the sweeper tick for very short TTLs.
	minSweepInterval = 50 * time.Millisecond
)

var (
	// ErrClosed is returned by SetTTL once the store has been closed.
	ErrClosed = errors.New("cache store closed")

	// ErrInvalidTTL is returned by SetTTL for a non-positive TTL.
	ErrInvalidTTL = errors.New("invalid cache ttl")

	errEntryExpired = errors.New("entry expired before migration")
)

// Config holds Store settings.
type Config struct {
	// TTL is the default time-to-live applied by Set
	TTL time.Duration

	// Enabled controls whether the store serves reads and accepts writes
	Enabled bool
}

// Stats is a snapshot of store statistics.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// table is one generation of cached entries. A new table is built on
// enable and on every TTL reconfiguration; the previous one is halted.
type table struct {
	entries  map[string]*entry
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func newTable(ttl time.Duration) *table {
	return &table{
		entries: make(map[string]*entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
}

// halt stops the table's sweeper.
func (t *table) halt() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// adopt copies e into t stamped with t's TTL, restarting its expiry clock.
func (t *table) adopt(e *entry, now time.Time) error {
	if e.expired(now) {
		return errEntryExpired
	}
	t.entries[e.key] = &entry{
		key:      e.key,
		value:    e.value,
		storedAt: now,
		ttl:      t.ttl,
	}
	return nil
}

type reconfigJob struct {
	ttl  time.Duration
	done chan error
}

// Store is a TTL-keyed in-memory cache with live reconfiguration.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	table   *table
	enabled bool
	closed  bool
	ttl     time.Duration
	hits    uint64
	misses  uint64

	reconfig  chan reconfigJob
	done      chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

// New creates a Store and registers it with registry. A nil registry is
// allowed; the caller then owns closing the store.
func New(cfg Config, registry *Registry, logger zerolog.Logger) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store{
		enabled:  cfg.Enabled,
		ttl:      ttl,
		reconfig: make(chan reconfigJob),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "cache").Logger(),
	}
	if s.enabled {
		s.table = newTable(ttl)
		s.startSweeper(s.table)
	}

	go s.runReconfig()

	if registry != nil {
		registry.Register(s)
	}
	return s
}

// Get returns the value for key. A disabled store always reports absent.
// Every call counts as a hit or a miss, reads against a disabled store
// included.
func (s *Store) Get(key string) (any, bool) {
	return s.lookup(key, nil)
}

// GetAs returns the value for key when it holds a T. A live value of
// another type counts as a miss and is left in place.
func GetAs[T any](s *Store, key string) (T, bool) {
	v, ok := s.lookup(key, func(v any) bool {
		_, ok := v.(T)
		return ok
	})
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// lookup reads key and records the hit or miss. A non-nil accept rejects
// values the caller cannot use.
func (s *Store) lookup(key string, accept func(any) bool) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.table == nil {
		s.recordMiss()
		return nil, false
	}

	e, ok := s.table.entries[key]
	if !ok {
		s.recordMiss()
		return nil, false
	}

	if e.expired(time.Now()) {
		delete(s.table.entries, key)
		CacheEvictions.WithLabelValues("expired").Inc()
		s.recordMiss()
		return nil, false
	}

	if accept != nil && !accept(e.value) {
		s.recordMiss()
		return nil, false
	}

	s.hits++
	CacheHits.Inc()
	return e.value, true
}

func (s *Store) recordMiss() {
	s.misses++
	CacheMisses.Inc()
}

// Has reports whether key holds a live entry. It does not touch the
// hit/miss counters but does remove an expired entry.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.table == nil {
		return false
	}

	e, ok := s.table.entries[key]
	if !ok {
		return false
	}
	if e.expired(time.Now()) {
		delete(s.table.entries, key)
		CacheEvictions.WithLabelValues("expired").Inc()
		return false
	}
	return true
}

// Set stores value under key with the store's current default TTL.
// It is a no-op while the store is disabled.
func (s *Store) Set(key string, value any) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key, replacing any existing entry and
// restarting its expiry clock. A non-positive ttl means the default TTL.
func (s *Store) SetWithTTL(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.table == nil {
		return
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	s.table.entries[key] = &entry{
		key:      key,
		value:    value,
		storedAt: time.Now(),
		ttl:      ttl,
	}
}

// Delete removes key. Permitted in any state.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return
	}
	if _, ok := s.table.entries[key]; ok {
		delete(s.table.entries, key)
		CacheEvictions.WithLabelValues("deleted").Inc()
	}
}

// Clear removes every entry. Permitted in any state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return
	}
	if n := len(s.table.entries); n > 0 {
		CacheEvictions.WithLabelValues("cleared").Add(float64(n))
	}
	s.table.entries = make(map[string]*entry)
}

// SetEnabled switches the store on or off. Disabling discards all entries;
// enabling always starts from an empty table.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn().Bool("enabled", enabled).Msg("Ignoring enable toggle on closed cache store")
		return
	}
	if s.enabled == enabled {
		return
	}

	s.enabled = enabled
	if !enabled {
		if s.table != nil {
			if n := len(s.table.entries); n > 0 {
				CacheEvictions.WithLabelValues("disabled").Add(float64(n))
			}
			s.table.halt()
			s.table = nil
		}
		s.logger.Info().Msg("Cache disabled")
		return
	}

	s.table = newTable(s.ttl)
	s.startSweeper(s.table)
	s.logger.Info().Dur("ttl", s.ttl).Msg("Cache enabled")
}

// Enabled reports whether the store is enabled.
func (s *Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// TTL returns the current default TTL.
func (s *Store) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// SetTTL changes the default TTL and migrates every live entry into a new
// table stamped with it. Calls are queued and applied one at a time in the
// order they were accepted. Entries that cannot be migrated are dropped and
// logged; they never fail the call.
func (s *Store) SetTTL(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}

	job := reconfigJob{ttl: ttl, done: make(chan error, 1)}
	select {
	case s.reconfig <- job:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the migration always runs to completion.
	return <-job.done
}

// runReconfig is the single worker draining SetTTL requests.
func (s *Store) runReconfig() {
	for {
		select {
		case job := <-s.reconfig:
			job.done <- s.migrate(job.ttl)
		case <-s.done:
			return
		}
	}
}

func (s *Store) migrate(ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	previous := s.ttl
	s.ttl = ttl

	old := s.table
	if !s.enabled || old == nil {
		s.logger.Info().Dur("ttl", ttl).Msg("Cache TTL updated (store disabled, nothing to migrate)")
		CacheMigrations.Inc()
		return nil
	}

	next := newTable(ttl)
	now := time.Now()
	dropped := 0
	for key, e := range old.entries {
		if err := next.adopt(e, now); err != nil {
			dropped++
			CacheErrors.WithLabelValues("migrate").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("Dropping cache entry during TTL migration")
		}
	}

	s.table = next
	s.startSweeper(next)
	old.halt()

	CacheMigrations.Inc()
	s.logger.Info().
		Dur("previous_ttl", previous).
		Dur("ttl", ttl).
		Int("migrated", len(next.entries)).
		Int("dropped", dropped).
		Msg("Cache TTL reconfigured")

	return nil
}

// Stats returns hit/miss counters and the number of live entries.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Hits: s.hits, Misses: s.misses}
	if s.table == nil {
		return stats
	}

	now := time.Now()
	for _, e := range s.table.entries {
		if !e.expired(now) {
			stats.Size++
		}
	}
	return stats
}

// Close flushes the store and stops its background goroutines. It is
// idempotent. A closed store behaves like a disabled one.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.enabled = false
		if s.table != nil {
			s.table.halt()
			s.table = nil
		}
		s.mu.Unlock()

		close(s.done)
		s.logger.Debug().Msg("Cache store closed")
	})
	return nil
}

func (s *Store) startSweeper(t *table) {
	go s.sweep(t, sweepInterval(t.ttl))
}

// sweepInterval is a fifth of the TTL, floored at minSweepInterval.
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 5
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return interval
}

func (s *Store) sweep(t *table, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired(t)
		case <-t.stop:
			return
		}
	}
}

// evictExpired removes expired entries from t if t is still the active table.
func (s *Store) evictExpired(t *table) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table != t {
		return 0
	}

	now := time.Now()
	evicted := 0
	for key, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, key)
			evicted++
		}
	}

	if evicted > 0 {
		CacheEvictions.WithLabelValues("expired").Add(float64(evicted))
		s.logger.Debug().Int("evicted", evicted).Msg("Swept expired cache entries")
	}
	return evicted
}

// rawLen returns the number of stored entries, expired or not.
func (s *Store) rawLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return 0
	}
	return len(s.table.entries)
}
