// Package retry runs an operation with exponential backoff. Which failures
// are worth retrying is decided by the caller through Policy.IsRetryable,
// which keeps the executor independent of any transport.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// DelayFunc waits before the next attempt. delay is the computed backoff and
// attempt the 1-based number of the attempt that just failed.
type DelayFunc func(ctx context.Context, delay time.Duration, attempt int) error

// Policy holds the configuration for one retry loop.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff (0 = uncapped).
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor (default 2).
	Multiplier float64

	// Jitter is the relative randomization applied to each delay, 0..1.
	Jitter float64

	// IsRetryable classifies a failure. A nil predicate retries nothing.
	IsRetryable func(error) bool

	// Delay waits between attempts (default Sleep).
	Delay DelayFunc

	// OnRetry is called before every wait.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns a policy with three attempts and ±20% jittered
// exponential backoff starting at 500ms. IsRetryable must still be set.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Do calls op until it succeeds, fails with an error IsRetryable rejects, or
// MaxAttempts is reached. The last error is returned exactly as op produced
// it. An error from the delay function (context cancellation with Sleep) is
// returned as-is.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := policy.Delay
	if delay == nil {
		delay = Sleep
	}

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= maxAttempts || policy.IsRetryable == nil || !policy.IsRetryable(err) {
			var zero T
			return zero, err
		}

		wait := Backoff(policy, attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, wait)
		}

		if derr := delay(ctx, wait, attempt); derr != nil {
			var zero T
			return zero, derr
		}
	}
}

// Backoff returns the delay after the given failed attempt:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func Backoff(policy Policy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	// Prevent overflow
	if attempt > 30 {
		attempt = 30
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	backoff := float64(policy.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && backoff > float64(policy.MaxDelay) {
		backoff = float64(policy.MaxDelay)
	}

	jitter := math.Min(math.Max(policy.Jitter, 0), 1)
	if jitter > 0 {
		backoff *= 1 - jitter + rand.Float64()*2*jitter
	}

	return time.Duration(backoff)
}

// Sleep waits for delay or until ctx is done.
func Sleep(ctx context.Context, delay time.Duration, _ int) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoDelay retries immediately. Intended for tests.
func NoDelay(context.Context, time.Duration, int) error {
	return nil
}
