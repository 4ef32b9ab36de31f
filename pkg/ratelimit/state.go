// Package ratelimit tracks the server-side request budget advertised in
// X-RateLimit-Remaining and X-RateLimit-Reset response headers and gates
// outgoing requests before the budget is exhausted.
//
// State lives in a StateStore: MemoryStore for a single process, RedisStore
// when several clients share one upstream quota.
package ratelimit

import (
	"time"
)

// Response headers read by the tracker.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset" // seconds until the window resets
)

// Thresholds for gating decisions.
const (
	// ThresholdCritical blocks all requests when the remaining budget falls below this value.
	ThresholdCritical = 5

	// ThresholdWarning throttles requests when the remaining budget falls below this value.
	ThresholdWarning = 20

	// ThresholdHealthy marks the state healthy at or above this value.
	ThresholdHealthy = 50
)

// defaultRemaining is assumed until the first response has been observed.
const defaultRemaining = 100

// State is the last observed rate limit window.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Expired reports whether the window has already reset, in which case the
// recorded budget no longer applies.
func (s *State) Expired() bool {
	return !s.ResetAt.IsZero() && !time.Now().Before(s.ResetAt)
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}

func defaultState() *State {
	now := time.Now()
	return &State{
		Remaining:  defaultRemaining,
		ResetAt:    now.Add(60 * time.Second),
		LastUpdate: now,
		IsHealthy:  true,
	}
}
