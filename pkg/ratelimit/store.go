package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists the rate limit state. Load returns (nil, nil) when no
// state has been recorded yet.
type StateStore interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// MemoryStore keeps the state in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state *State
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored state.
func (m *MemoryStore) Load(_ context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state == nil {
		return nil, nil
	}
	state := *m.state
	return &state, nil
}

// Save stores a copy of state.
func (m *MemoryStore) Save(_ context.Context, state *State) error {
	if state == nil {
		return errors.New("nil state")
	}

	copied := *state
	m.mu.Lock()
	m.state = &copied
	m.mu.Unlock()
	return nil
}

// Redis keys for rate limit state storage, relative to the store prefix.
const (
	RedisKeyRemaining      = "rate_limit:remaining"
	RedisKeyResetTimestamp = "rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "rate_limit:last_update"
)

// DefaultRedisPrefix namespaces the keys written by RedisStore.
const DefaultRedisPrefix = "apiclient:"

// RedisStore shares the state between processes through Redis.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed state store. An empty prefix means
// DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (r *RedisStore) key(name string) string {
	return r.prefix + name
}

// Load reads the state from Redis.
func (r *RedisStore) Load(ctx context.Context) (*State, error) {
	remaining, err := r.redis.Get(ctx, r.key(RedisKeyRemaining)).Int()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	resetTimestamp, err := r.redis.Get(ctx, r.key(RedisKeyResetTimestamp)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	lastUpdateStr, err := r.redis.Get(ctx, r.key(RedisKeyLastUpdate)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &State{
		Remaining:  remaining,
		LastUpdate: lastUpdate,
	}
	if resetTimestamp > 0 {
		state.ResetAt = time.Unix(resetTimestamp, 0)
	}
	state.UpdateHealth()

	return state, nil
}

// Save writes the state atomically. Keys expire shortly after the window
// resets so a stale budget never outlives its window.
func (r *RedisStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("nil state")
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	expiration := state.TimeUntilReset() + time.Minute

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, r.key(RedisKeyRemaining), state.Remaining, expiration)
	pipe.Set(ctx, r.key(RedisKeyResetTimestamp), state.ResetAt.Unix(), expiration)
	pipe.Set(ctx, r.key(RedisKeyLastUpdate), lastUpdateJSON, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
