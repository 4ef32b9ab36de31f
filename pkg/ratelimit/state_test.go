package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
		{
			name:     "just under max age",
			state:    &State{LastUpdate: time.Now().Add(-4 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestState_Thresholds(t *testing.T) {
	tests := []struct {
		name           string
		remaining      int
		expectBlock    bool
		expectThrottle bool
		expectHealthy  bool
	}{
		{name: "healthy", remaining: 100, expectHealthy: true},
		{name: "at healthy threshold", remaining: ThresholdHealthy, expectHealthy: true},
		{name: "below healthy, above warning", remaining: 30},
		{name: "warning", remaining: 15, expectThrottle: true},
		{name: "at critical threshold", remaining: ThresholdCritical, expectThrottle: true},
		{name: "just below critical threshold", remaining: ThresholdCritical - 1, expectBlock: true},
		{name: "zero remaining", remaining: 0, expectBlock: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{Remaining: tt.remaining}
			state.UpdateHealth()

			if got := state.NeedsCriticalBlock(); got != tt.expectBlock {
				t.Errorf("NeedsCriticalBlock() = %v, want %v (remaining=%d)", got, tt.expectBlock, tt.remaining)
			}
			if got := state.NeedsThrottling(); got != tt.expectThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v (remaining=%d)", got, tt.expectThrottle, tt.remaining)
			}
			if state.IsHealthy != tt.expectHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectHealthy)
			}
		})
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	future := &State{ResetAt: time.Now().Add(30 * time.Second)}
	if d := future.TimeUntilReset(); d <= 25*time.Second || d > 30*time.Second {
		t.Errorf("TimeUntilReset() = %v, want ~30s", d)
	}

	past := &State{ResetAt: time.Now().Add(-time.Minute)}
	if d := past.TimeUntilReset(); d != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0", d)
	}
}

func TestState_Expired(t *testing.T) {
	tests := []struct {
		name    string
		resetAt time.Time
		want    bool
	}{
		{name: "window open", resetAt: time.Now().Add(time.Minute), want: false},
		{name: "window reset", resetAt: time.Now().Add(-time.Second), want: true},
		{name: "unknown reset", resetAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{ResetAt: tt.resetAt}
			if got := state.Expired(); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}
