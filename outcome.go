package callguard

import "time"

// ErrorKind categorises the outcome of a single attempt. The kind decides
// whether the engine retries, fails fast, or routes a message to the dead
// letter sink.
type ErrorKind int

const (
	// KindSuccess means the attempt completed normally.
	KindSuccess ErrorKind = iota

	// KindValidationError is a client-side error (4xx other than 429).
	// Retrying an identical request cannot succeed.
	KindValidationError

	// KindThrottled is a rate-limit rejection (429). Retryable after the
	// server-provided Retry-After hint, if any.
	KindThrottled

	// KindServerError is a downstream failure (5xx). Retryable.
	KindServerError

	// KindTransportError is a network-level failure (connection refused,
	// timeout, reset). Retryable.
	KindTransportError

	// KindMalformedPayload means the response or message body could not be
	// decoded. Non-retryable; messages with this kind are dead-lettered.
	KindMalformedPayload

	// KindCircuitOpen means the circuit breaker rejected the attempt before
	// any transport invocation.
	KindCircuitOpen

	// KindRetriesExhausted means the attempt cap or the overall deadline was
	// reached before a terminal outcome.
	KindRetriesExhausted
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindValidationError:
		return "validation_error"
	case KindThrottled:
		return "throttled"
	case KindServerError:
		return "server_error"
	case KindTransportError:
		return "transport_error"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// Retryable reports whether the engine may schedule another attempt after
// an outcome of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindThrottled, KindServerError, KindTransportError:
		return true
	default:
		return false
	}
}

// Outcome is the classification of one completed attempt. It is produced
// once per attempt and never mutated.
type Outcome struct {
	// Kind is the retry-relevant category of the result.
	Kind ErrorKind

	// RetryAfter is the server-provided minimum delay before the next
	// attempt. Zero when the server gave no hint.
	RetryAfter time.Duration

	// Err is the underlying error, nil for KindSuccess.
	Err error
}

// CallAttempt identifies one attempt of a logical call. Attempt numbers
// start at 1 and strictly increase each time the call is re-queued.
type CallAttempt struct {
	// CallID correlates all attempts of one logical call. It is also used
	// as the Request-Id header value at the transport boundary.
	CallID string

	// Destination is the logical downstream identity keying circuit breaker
	// and policy state.
	Destination string

	// Attempt is the 1-based attempt number.
	Attempt int

	// NotBefore is the earliest time this attempt may invoke the transport.
	NotBefore time.Time
}
