package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(opts ...TrackerOption) (*Tracker, *MemoryStore) {
	store := NewMemoryStore()
	return NewTracker(store, zerolog.Nop(), opts...), store
}

func rateLimitHeaders(remaining, reset string) http.Header {
	headers := http.Header{}
	if remaining != "" {
		headers.Set(HeaderRemaining, remaining)
	}
	if reset != "" {
		headers.Set(HeaderReset, reset)
	}
	return headers
}

func TestTracker_GetStateDefault(t *testing.T) {
	tracker, _ := newTestTracker()

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != defaultRemaining {
		t.Errorf("Remaining = %d, want %d", state.Remaining, defaultRemaining)
	}
	if !state.IsHealthy {
		t.Error("Default state should be healthy")
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name            string
		remaining       string
		reset           string
		expectedRemain  int
		expectedHealthy bool
	}{
		{name: "healthy state", remaining: "100", reset: "60", expectedRemain: 100, expectedHealthy: true},
		{name: "warning state", remaining: "15", reset: "30", expectedRemain: 15, expectedHealthy: false},
		{name: "critical state", remaining: "3", reset: "45", expectedRemain: 3, expectedHealthy: false},
		{name: "at healthy threshold", remaining: "50", reset: "60", expectedRemain: 50, expectedHealthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker()
			ctx := context.Background()

			if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders(tt.remaining, tt.reset)); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.expectedRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.expectedRemain)
			}
			if state.IsHealthy != tt.expectedHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectedHealthy)
			}
		})
	}
}

func TestTracker_UpdateFromHeadersInvalid(t *testing.T) {
	tests := []struct {
		name        string
		remaining   string
		reset       string
		shouldError bool
	}{
		{name: "missing remaining header", remaining: "", reset: "60", shouldError: false},
		{name: "invalid remaining header", remaining: "invalid", reset: "60", shouldError: true},
		{name: "invalid reset header", remaining: "100", reset: "invalid", shouldError: true},
		{name: "missing reset header", remaining: "100", reset: "", shouldError: true},
		{name: "both headers missing", remaining: "", reset: "", shouldError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, store := newTestTracker()

			err := tracker.UpdateFromHeaders(context.Background(), rateLimitHeaders(tt.remaining, tt.reset))

			if tt.shouldError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			if state, _ := store.Load(context.Background()); state != nil {
				t.Errorf("state stored for rejected headers: %+v", state)
			}
		})
	}
}

func TestTracker_ExpiredWindowIsHealthy(t *testing.T) {
	tracker, store := newTestTracker()
	ctx := context.Background()

	_ = store.Save(ctx, &State{
		Remaining:  1,
		ResetAt:    time.Now().Add(-time.Second),
		LastUpdate: time.Now().Add(-time.Minute),
	})

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if !allowed {
		t.Error("request blocked by a window that has already reset")
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name      string
		remaining string
		want      bool
	}{
		{name: "healthy - allow immediately", remaining: "100", want: true},
		{name: "warning - allow with throttle", remaining: "15", want: true},
		{name: "at critical threshold - allow", remaining: "5", want: true},
		{name: "critical - block", remaining: "3", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(WithThrottleDelay(0))
			ctx := context.Background()

			if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders(tt.remaining, "60")); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			allowed, err := tracker.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.want {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.want)
			}
		})
	}
}

func TestTracker_ThrottleDelay(t *testing.T) {
	tracker, _ := newTestTracker(WithThrottleDelay(50 * time.Millisecond))
	ctx := context.Background()

	_ = tracker.UpdateFromHeaders(ctx, rateLimitHeaders("10", "60"))

	start := time.Now()
	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil || !allowed {
		t.Fatalf("ShouldAllowRequest() = %v, %v; want true, nil", allowed, err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("throttled request returned after %v, want >= 50ms", elapsed)
	}
}

func TestTracker_ThrottleHonoursContext(t *testing.T) {
	tracker, _ := newTestTracker(WithThrottleDelay(time.Hour))
	_ = tracker.UpdateFromHeaders(context.Background(), rateLimitHeaders("10", "60"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if allowed {
		t.Error("ShouldAllowRequest() = true on cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context) (*State, error) { return nil, errors.New("unavailable") }
func (failingStore) Save(context.Context, *State) error   { return errors.New("unavailable") }

func TestTracker_StoreErrors(t *testing.T) {
	tracker := NewTracker(failingStore{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := tracker.GetState(ctx); err == nil {
		t.Error("GetState() error = nil, want store error")
	}
	if allowed, err := tracker.ShouldAllowRequest(ctx); err == nil || allowed {
		t.Errorf("ShouldAllowRequest() = %v, %v; want false and an error", allowed, err)
	}
	if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders("10", "60")); err == nil {
		t.Error("UpdateFromHeaders() error = nil, want store error")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := &State{Remaining: 42}
	_ = store.Save(ctx, state)
	state.Remaining = 1

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Remaining != 42 {
		t.Errorf("Remaining = %d, want 42", loaded.Remaining)
	}

	if err := store.Save(ctx, nil); err == nil {
		t.Error("Save(nil) error = nil")
	}
}
