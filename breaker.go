package callguard

import (
	"errors"
	"log/slog"
	"sync"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitState represents the state of a destination's circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitState = iota

	// StateHalfOpen means the circuit is testing if the destination has
	// recovered; a single probe is admitted at a time.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected
	// immediately without any transport invocation.
	StateOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitCounts holds the internal counts of a destination's circuit
// breaker.
type CircuitCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerRegistry owns one circuit breaker per logical destination.
// Breakers are created lazily on first admission using the destination's
// resolved policy and live for the registry's lifetime. All state
// mutation happens inside gobreaker, which serialises admission and
// reporting per destination.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[any]

	resolve       func(destination string) Policy
	logger        *slog.Logger
	onStateChange func(destination string, from, to CircuitState)
}

// NewBreakerRegistry creates a registry. resolve maps a destination to
// its effective policy (defaults merged with any per-destination
// override).
func NewBreakerRegistry(
	resolve func(destination string) Policy,
	logger *slog.Logger,
	onStateChange func(destination string, from, to CircuitState),
) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers:      make(map[string]*gobreaker.TwoStepCircuitBreaker[any]),
		resolve:       resolve,
		logger:        logger,
		onStateChange: onStateChange,
	}
}

// Admit asks the destination's breaker whether an attempt may proceed.
// On admission it returns a report callback that must be invoked exactly
// once with the attempt's outcome; admission and reporting are atomic
// with respect to concurrent callers of the same destination.
//
// While Open, Admit rejects before any transport invocation. While
// HalfOpen, a single probe is admitted; concurrent callers are rejected
// until the probe resolves. Rejections are returned as circuit breaker
// errors that classify as KindCircuitOpen.
func (r *BreakerRegistry) Admit(destination string) (report func(success bool), err error) {
	cb := r.breaker(destination)

	done, err := cb.Allow()
	if err != nil {
		counts := convertCounts(cb.Counts())
		circuitRejections.WithLabelValues(destination).Inc()

		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			r.logger.Warn("circuit breaker is open, call rejected",
				"destination", destination,
				"state", convertGobreakerState(cb.State()),
				"counts", counts)
			return nil, jperrors.NewCircuitBreakerError(
				"call rejected",
				"admit",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(jperrors.CircuitCounts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				}),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			r.logger.Debug("circuit breaker half-open, probe in flight",
				"destination", destination)
			return nil, jperrors.NewCircuitBreakerError(
				"probe already in flight",
				"admit",
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(jperrors.CircuitCounts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				}),
			)
		default:
			return nil, err
		}
	}

	return done, nil
}

// State returns the current circuit state for a destination. Destinations
// never seen before report StateClosed.
func (r *BreakerRegistry) State(destination string) CircuitState {
	return convertGobreakerState(r.breaker(destination).State())
}

// Counts returns the current counts for a destination's breaker.
func (r *BreakerRegistry) Counts(destination string) CircuitCounts {
	return convertCounts(r.breaker(destination).Counts())
}

// breaker returns the destination's breaker, creating it on first use.
func (r *BreakerRegistry) breaker(destination string) *gobreaker.TwoStepCircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[destination]; ok {
		return cb
	}

	policy := r.resolve(destination)
	settings := gobreaker.Settings{
		Name: destination,
		// A single half-open probe at a time.
		MaxRequests: 1,
		// The failure window: counts are cleared each interval while
		// Closed, so the consecutive-failure threshold applies within a
		// bounded window rather than forever.
		Interval: policy.WindowDuration,
		// Cooldown before Open transitions to HalfOpen.
		Timeout: policy.CooldownDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromState := convertGobreakerState(from)
			toState := convertGobreakerState(to)
			circuitTransitions.WithLabelValues(name, toState.String()).Inc()
			r.logger.Warn("circuit breaker state changed",
				"destination", name,
				"from", fromState.String(),
				"to", toState.String())
			if r.onStateChange != nil {
				r.onStateChange(name, fromState, toState)
			}
		},
	}

	cb := gobreaker.NewTwoStepCircuitBreaker[any](settings)
	r.breakers[destination] = cb
	return cb
}

// convertGobreakerState converts gobreaker.State to our CircuitState.
func convertGobreakerState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func convertCounts(counts gobreaker.Counts) CircuitCounts {
	return CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
