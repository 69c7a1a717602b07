package callguard

import (
	"context"
	"errors"
	"net"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// OutcomeClassifier maps the result of one transport attempt to an
// Outcome. Implementations must be pure: no side effects, and the same
// input always yields the same Outcome.
type OutcomeClassifier interface {
	// Classify inspects the error returned by the transport (nil on
	// success) and produces the retry-relevant category plus any
	// server-provided retry hint.
	Classify(err error) Outcome
}

// StatusClassifier provides HTTP status code-based outcome classification:
//
//   - nil error                    -> KindSuccess
//   - 429                          -> KindThrottled (with Retry-After hint)
//   - 4xx other than 429           -> KindValidationError
//   - 5xx                          -> KindServerError
//   - decode failure               -> KindMalformedPayload
//   - network failure / timeout    -> KindTransportError
//
// Errors without a status code are treated as transport-level failures,
// matching the convention that servers surface validation problems as 4xx.
type StatusClassifier struct{}

// NewStatusClassifier creates the default classifier.
func NewStatusClassifier() *StatusClassifier {
	return &StatusClassifier{}
}

// Classify implements OutcomeClassifier.
func (c *StatusClassifier) Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindSuccess}
	}

	// Decode failures are checked before status codes: a valid-status
	// response with an undecodable body is malformed, not a server error.
	var malformed *MalformedPayloadError
	if errors.As(err, &malformed) {
		return Outcome{Kind: KindMalformedPayload, Err: err}
	}

	// Rate limits carry the Retry-After hint through to the scheduler.
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return Outcome{Kind: KindThrottled, Err: err, RetryAfter: retryAfterHint(err)}
	}

	switch code := extractStatusCode(err); {
	case code == 429:
		return Outcome{Kind: KindThrottled, Err: err, RetryAfter: retryAfterHint(err)}
	case code >= 500:
		return Outcome{Kind: KindServerError, Err: err}
	case code >= 400:
		return Outcome{Kind: KindValidationError, Err: err}
	}

	// Everything below has no status code attached: the request never
	// produced a response.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Outcome{Kind: KindTransportError, Err: err}
	}
	if pkgerrors.IsTimeout(err) {
		return Outcome{Kind: KindTransportError, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Outcome{Kind: KindTransportError, Err: err}
	}

	// Unknown errors are treated as transient network issues.
	return Outcome{Kind: KindTransportError, Err: err}
}

// retryAfterHint extracts a Retry-After value from the error chain.
func retryAfterHint(err error) time.Duration {
	var provider RetryAfterProvider
	if errors.As(err, &provider) {
		return provider.RetryAfter()
	}
	return 0
}

// extractStatusCode attempts to extract an HTTP status code from various
// error types.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}

	// jp-go-errors types expose StatusCode without implementing error
	// through the same interface value.
	type httpStatusProvider interface {
		StatusCode() int
	}
	var statusProvider httpStatusProvider
	if errors.As(err, &statusProvider) {
		return statusProvider.StatusCode()
	}

	return 0
}

// DefaultClassifier provides reasonable defaults for most HTTP-shaped
// transports.
func DefaultClassifier() OutcomeClassifier {
	return NewStatusClassifier()
}
