package callguard

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffScheduler computes the delay before the next attempt of a call.
// Growth is exponential: baseDelay * 2^(attempt-1), clamped to maxDelay.
// A server-provided hint (Retry-After) acts as a floor on the effective
// delay. Optional jitter de-synchronises retry storms across callers.
type BackoffScheduler struct {
	base           time.Duration
	maxDelay       time.Duration
	maxAttempts    int
	jitterFraction float64
}

// NewBackoffScheduler creates a scheduler for the given policy.
func NewBackoffScheduler(policy Policy) *BackoffScheduler {
	return &BackoffScheduler{
		base:           policy.BaseDelay,
		maxDelay:       policy.MaxDelay,
		maxAttempts:    policy.MaxAttempts,
		jitterFraction: policy.JitterFraction,
	}
}

// NextDelay returns the delay to wait after the given attempt number
// (1-based) before the next attempt. hint is the server-provided minimum
// delay, zero when absent.
//
// Attempt numbers below 1 violate the contract and return
// ErrInvalidAttempt. Once attempt reaches the policy's MaxAttempts the
// scheduler returns ErrRetriesExhausted instead of a delay.
func (s *BackoffScheduler) NextDelay(attempt int, hint time.Duration) (time.Duration, error) {
	if attempt <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidAttempt, attempt)
	}
	if attempt >= s.maxAttempts {
		return 0, ErrRetriesExhausted
	}

	delay := s.computed(attempt)
	if s.jitterFraction > 0 {
		delay = s.jittered(delay)
	}
	if hint > delay {
		delay = hint
	}
	return delay, nil
}

// computed walks a fresh exponential backoff to the requested attempt so
// the result depends only on the attempt number, never on scheduler state.
func (s *BackoffScheduler) computed(attempt int) time.Duration {
	b := retry.WithCappedDuration(s.maxDelay, retry.NewExponential(s.base))

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		d, stopped := b.Next()
		if stopped {
			break
		}
		delay = d
	}
	return delay
}

// jittered applies a symmetric random offset of up to jitterFraction of
// the delay, using crypto/rand to avoid correlated sequences across
// processes.
func (s *BackoffScheduler) jittered(delay time.Duration) time.Duration {
	span := int64(float64(delay) * s.jitterFraction)
	if span <= 0 {
		return delay
	}
	offset, err := rand.Int(rand.Reader, big.NewInt(2*span))
	if err != nil {
		// Fall back to the deterministic delay if crypto/rand fails.
		return delay
	}
	jittered := delay + time.Duration(offset.Int64()-span)
	if jittered < 0 {
		return 0
	}
	return jittered
}
