//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis runs a throwaway Redis container for the duration of the test.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return rdb
}

func redisTracker(rdb *redis.Client, prefix string, opts ...TrackerOption) *Tracker {
	return NewTracker(NewRedisStore(rdb, prefix), zerolog.Nop(), opts...)
}

func TestRedisStore_LoadSave(t *testing.T) {
	rdb := startRedis(t)
	store := NewRedisStore(rdb, "store-test:")
	ctx := context.Background()

	got, err := store.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("Load() on empty redis = %v, %v; want nil, nil", got, err)
	}

	resetAt := time.Now().Add(45 * time.Second).Truncate(time.Second)
	want := &State{Remaining: 12, ResetAt: resetAt, LastUpdate: time.Now(), IsHealthy: false}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Remaining != 12 {
		t.Errorf("Remaining = %d, want 12", got.Remaining)
	}
	if !got.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", got.ResetAt, resetAt)
	}

	ttl, err := rdb.TTL(ctx, "store-test:"+RedisKeyRemaining).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	// Keys outlive the window by one minute.
	if ttl <= time.Minute || ttl > 106*time.Second {
		t.Errorf("key TTL = %v, want within (60s, 105s]", ttl)
	}
}

func TestRedisTracker_DefaultsThenUpdate(t *testing.T) {
	rdb := startRedis(t)
	tracker := redisTracker(rdb, "")
	ctx := context.Background()

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != defaultRemaining || !state.IsHealthy {
		t.Errorf("empty state = %+v, want healthy default with %d remaining", state, defaultRemaining)
	}

	if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders("75", "120")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 75 || !state.IsHealthy {
		t.Errorf("state = %+v, want 75 remaining, healthy", state)
	}
	if d := state.TimeUntilReset(); d < 115*time.Second || d > 125*time.Second {
		t.Errorf("TimeUntilReset() = %v, want about 2m", d)
	}

	if n, _ := rdb.Exists(ctx, DefaultRedisPrefix+RedisKeyRemaining).Result(); n != 1 {
		t.Errorf("empty prefix did not fall back to %q", DefaultRedisPrefix)
	}
}

func TestRedisTracker_SharedDecisions(t *testing.T) {
	rdb := startRedis(t)

	tests := []struct {
		name      string
		remaining string
		wantAllow bool
		minWait   time.Duration
	}{
		{name: "critical blocks", remaining: "3", wantAllow: false},
		{name: "warning throttles", remaining: "15", wantAllow: true, minWait: 150 * time.Millisecond},
		{name: "healthy passes", remaining: "80", wantAllow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix := "shared-" + tt.remaining + ":"
			writer := redisTracker(rdb, prefix)
			reader := redisTracker(rdb, prefix, WithThrottleDelay(200*time.Millisecond))
			ctx := context.Background()

			if err := writer.UpdateFromHeaders(ctx, rateLimitHeaders(tt.remaining, "60")); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			start := time.Now()
			allowed, err := reader.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.wantAllow {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.wantAllow)
			}
			if elapsed := time.Since(start); elapsed < tt.minWait {
				t.Errorf("ShouldAllowRequest() returned after %v, want >= %v", elapsed, tt.minWait)
			}
		})
	}
}

func TestRedisTracker_PrefixesIsolate(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	blocked := redisTracker(rdb, "tenant-a:", WithThrottleDelay(0))
	other := redisTracker(rdb, "tenant-b:", WithThrottleDelay(0))

	if err := blocked.UpdateFromHeaders(ctx, rateLimitHeaders("1", "60")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	if allowed, _ := blocked.ShouldAllowRequest(ctx); allowed {
		t.Error("tenant-a allowed despite critical budget")
	}
	if allowed, _ := other.ShouldAllowRequest(ctx); !allowed {
		t.Error("tenant-b blocked by tenant-a's budget")
	}
}

func TestRedisTracker_WindowReset(t *testing.T) {
	rdb := startRedis(t)
	tracker := redisTracker(rdb, "", WithThrottleDelay(0))
	ctx := context.Background()

	if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders("3", "2")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if allowed, _ := tracker.ShouldAllowRequest(ctx); allowed {
		t.Fatal("ShouldAllowRequest() = true before reset, want false")
	}

	time.Sleep(2500 * time.Millisecond)

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if !allowed {
		t.Error("ShouldAllowRequest() = false after the window reset, want true")
	}
}
