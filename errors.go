package callguard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAttempt is returned by the backoff scheduler for attempt
	// numbers below 1. This is a caller contract violation, not a transient
	// condition.
	ErrInvalidAttempt = errors.New("attempt number must be >= 1")

	// ErrRetriesExhausted is returned by the backoff scheduler once the
	// attempt cap is reached. The engine surfaces it to callers wrapped in
	// an *Error with KindRetriesExhausted.
	ErrRetriesExhausted = errors.New("retry attempts exhausted")

	// ErrQueueClosed is returned when enqueuing on a retry queue that has
	// been shut down.
	ErrQueueClosed = errors.New("retry queue is closed")

	// ErrDeadLetterFailed wraps a failure to deliver a message to the dead
	// letter sink. It is never swallowed; callers see it joined with the
	// classification that triggered the dead-letter in the first place.
	ErrDeadLetterFailed = errors.New("dead letter delivery failed")
)

// Error is the terminal error delivered through a Future. Exactly one
// Error (or success) is visible per logical call; per-attempt failures
// that will still be retried never surface here.
type Error struct {
	// Kind is the terminal classification.
	Kind ErrorKind

	// CallID correlates the error with the logical call.
	CallID string

	// Destination is the downstream the call targeted.
	Destination string

	// Attempts is the number of attempts made before giving up. Zero when
	// the circuit breaker rejected the call before any attempt.
	Attempts int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("callguard: %s calling %s after %d attempt(s): %v",
			e.Kind, e.Destination, e.Attempts, e.Err)
	}
	return fmt.Sprintf("callguard: %s calling %s after %d attempt(s)",
		e.Kind, e.Destination, e.Attempts)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an engine error. It returns
// KindSuccess for nil and KindTransportError for errors that did not
// originate from the engine.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransportError
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when the transport needs to surface a non-2xx response as an
// error the classifier can map to an ErrorKind.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code. This implements the HTTPError
// interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	if resp.StatusCode >= 400 {
//	    return callguard.NewStatusCodeError(resp.StatusCode, errors.New(resp.Status))
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// RetryAfterProvider is implemented by errors that carry a server-provided
// minimum delay before the next attempt (the Retry-After contract).
type RetryAfterProvider interface {
	RetryAfter() time.Duration
}

// ThrottledError is a 429 rejection carrying the Retry-After hint.
type ThrottledError struct {
	Err   error
	Delay time.Duration
}

// Error implements the error interface.
func (e *ThrottledError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *ThrottledError) Unwrap() error {
	return e.Err
}

// StatusCode implements the HTTPError interface. Throttled responses are
// always 429.
func (e *ThrottledError) StatusCode() int {
	return 429
}

// RetryAfter implements RetryAfterProvider.
func (e *ThrottledError) RetryAfter() time.Duration {
	return e.Delay
}

// NewThrottledError creates a ThrottledError with the given hint.
func NewThrottledError(retryAfter time.Duration, err error) error {
	return &ThrottledError{Err: err, Delay: retryAfter}
}

// MalformedPayloadError marks a body that failed decoding even though the
// transport round trip itself succeeded. Calls fail immediately with this;
// messages are routed to the dead letter sink.
type MalformedPayloadError struct {
	Err error
}

// Error implements the error interface.
func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// NewMalformedPayloadError wraps a decode failure.
func NewMalformedPayloadError(err error) error {
	return &MalformedPayloadError{Err: err}
}
