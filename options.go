package callguard

import (
	"log/slog"
	"time"
)

// Policy is the per-destination resilience policy: backoff shape, attempt
// cap, and circuit breaker thresholds.
type Policy struct {
	// BaseDelay is the delay before the first retry. Subsequent delays
	// double per attempt.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay is the ceiling on any computed delay. A server-provided
	// Retry-After hint may still exceed it.
	// Default: 30 seconds
	MaxDelay time.Duration

	// MaxAttempts is the maximum number of attempts (including the initial
	// one). Reaching it yields KindRetriesExhausted.
	// Default: 3
	MaxAttempts int

	// JitterFraction randomises each computed delay by up to this fraction
	// in either direction to avoid synchronised retry storms. Zero disables
	// jitter.
	// Default: 0.1
	JitterFraction float64

	// FailureThreshold is the number of consecutive failures that trips the
	// circuit breaker.
	// Default: 5
	FailureThreshold uint32

	// WindowDuration bounds the failure-counting window while the circuit
	// is closed; counts are cleared each window.
	// Default: 10 seconds
	WindowDuration time.Duration

	// CooldownDuration is how long the circuit stays open before admitting
	// a half-open probe.
	// Default: 30 seconds
	CooldownDuration time.Duration
}

// DefaultPolicy returns the engine-wide fallback policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      3,
		JitterFraction:   0.1,
		FailureThreshold: 5,
		WindowDuration:   10 * time.Second,
		CooldownDuration: 30 * time.Second,
	}
}

// PolicyOverride overrides individual policy fields for one destination.
// Nil fields inherit the engine default.
type PolicyOverride struct {
	BaseDelay        *time.Duration
	MaxDelay         *time.Duration
	MaxAttempts      *int
	JitterFraction   *float64
	FailureThreshold *uint32
	WindowDuration   *time.Duration
	CooldownDuration *time.Duration
}

// merged applies the override on top of the base policy.
func (p Policy) merged(o PolicyOverride) Policy {
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.JitterFraction != nil {
		p.JitterFraction = *o.JitterFraction
	}
	if o.FailureThreshold != nil {
		p.FailureThreshold = *o.FailureThreshold
	}
	if o.WindowDuration != nil {
		p.WindowDuration = *o.WindowDuration
	}
	if o.CooldownDuration != nil {
		p.CooldownDuration = *o.CooldownDuration
	}
	return p
}

// Config holds engine configuration.
type Config struct {
	// Policy is the default resilience policy.
	Policy Policy

	// Destinations holds per-destination policy overrides.
	Destinations map[string]PolicyOverride

	// Classifier maps attempt results to ErrorKinds.
	// Default: StatusClassifier
	Classifier OutcomeClassifier

	// DeadLetter receives non-retriable messages submitted via Submit.
	// Default: a sink that fails loudly, so mis-wiring is visible.
	DeadLetter DeadLetterSink

	// TripKinds are the error kinds counted as circuit breaker failures.
	// Default: Throttled, ServerError, TransportError
	TripKinds []ErrorKind

	// OnStateChange is called whenever a destination's circuit changes
	// state.
	OnStateChange func(destination string, from, to CircuitState)

	// Logger for engine operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Option is a functional option for configuring the engine.
type Option func(*Config)

// WithBaseDelay sets the default delay before the first retry.
//
// Example:
//
//	callguard.WithBaseDelay(100 * time.Millisecond)
func WithBaseDelay(d time.Duration) Option {
	return func(c *Config) {
		c.Policy.BaseDelay = d
	}
}

// WithMaxDelay sets the ceiling on computed backoff delays.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		c.Policy.MaxDelay = d
	}
}

// WithMaxAttempts sets the maximum number of attempts, including the
// initial one.
//
// Example:
//
//	callguard.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.Policy.MaxAttempts = attempts
	}
}

// WithJitterFraction sets the fraction of each delay randomised in either
// direction. Pass 0 to disable jitter.
//
// Example:
//
//	callguard.WithJitterFraction(0.1) // +-10%
func WithJitterFraction(fraction float64) Option {
	return func(c *Config) {
		c.Policy.JitterFraction = fraction
	}
}

// WithFailureThreshold sets the consecutive-failure count that trips a
// destination's circuit.
func WithFailureThreshold(threshold uint32) Option {
	return func(c *Config) {
		c.Policy.FailureThreshold = threshold
	}
}

// WithWindowDuration sets the failure-counting window while a circuit is
// closed.
func WithWindowDuration(d time.Duration) Option {
	return func(c *Config) {
		c.Policy.WindowDuration = d
	}
}

// WithCooldownDuration sets how long a circuit stays open before the next
// half-open probe.
func WithCooldownDuration(d time.Duration) Option {
	return func(c *Config) {
		c.Policy.CooldownDuration = d
	}
}

// WithDestinationPolicy overrides policy fields for one destination.
//
// Example:
//
//	maxAttempts := 6
//	callguard.WithDestinationPolicy("billing", callguard.PolicyOverride{
//	    MaxAttempts: &maxAttempts,
//	})
func WithDestinationPolicy(destination string, override PolicyOverride) Option {
	return func(c *Config) {
		if c.Destinations == nil {
			c.Destinations = make(map[string]PolicyOverride)
		}
		c.Destinations[destination] = override
	}
}

// WithClassifier sets a custom outcome classifier.
//
// Example:
//
//	callguard.WithClassifier(&MyClassifier{})
func WithClassifier(classifier OutcomeClassifier) Option {
	return func(c *Config) {
		c.Classifier = classifier
	}
}

// WithDeadLetterSink sets the sink for non-retriable messages.
//
// Example:
//
//	sink := callguard.NewRedisDeadLetterSink(rdb, "payments", 24*time.Hour)
//	callguard.WithDeadLetterSink(sink)
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(c *Config) {
		c.DeadLetter = sink
	}
}

// WithTripKinds sets which error kinds count as circuit breaker failures.
func WithTripKinds(kinds ...ErrorKind) Option {
	return func(c *Config) {
		c.TripKinds = kinds
	}
}

// WithStateChangeHandler sets a callback for circuit state changes.
//
// Example:
//
//	callguard.WithStateChangeHandler(func(dest string, from, to callguard.CircuitState) {
//	    log.Printf("circuit for %s changed from %s to %s", dest, from, to)
//	})
func WithStateChangeHandler(fn func(destination string, from, to CircuitState)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

// WithLogger sets a custom logger for engine operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	callguard.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns engine configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Policy:     DefaultPolicy(),
		Classifier: DefaultClassifier(),
		DeadLetter: discardSink{},
		TripKinds:  []ErrorKind{KindThrottled, KindServerError, KindTransportError},
		Logger:     slog.Default(),
	}
}
