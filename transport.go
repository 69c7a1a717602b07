// Package callguard is a resilience engine for service-to-service calls
// and asynchronous messages. For every outbound call it decides whether
// to attempt it now, retry it later, fail it permanently, or short-circuit
// it without a network round trip: a per-destination circuit breaker gates
// admission, an outcome classifier maps each attempt to a retry category,
// an exponential backoff scheduler times re-attempts through a
// timer-driven retry queue, and non-retriable messages are routed to a
// dead letter sink. Callers receive exactly one terminal outcome per
// logical call through a Future.
package callguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Transport performs one attempt of a call against a destination. Any
// request/response type works, making the engine suitable for HTTP
// clients, gRPC clients, or message broker producers.
//
// The returned error is what the classifier sees: transports should
// surface non-2xx responses as StatusCodeError (or ThrottledError for
// 429) and decode failures as MalformedPayloadError so classification can
// distinguish retryable from non-retryable outcomes.
type Transport[Req, Resp any] interface {
	// Execute performs a single attempt. The context carries the caller's
	// cancellation and the per-attempt deadline.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Execute implements Transport.
func (f TransportFunc[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// HTTPTransport adapts *http.Client to the Transport interface. It stamps
// the outbound header contract (Request-Time, User-Agent, Request-Id) and
// converts non-2xx responses into classifier-visible errors, surfacing
// the Retry-After hint on 429.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates an HTTP transport. userAgent identifies the
// calling service and version.
func NewHTTPTransport(client *http.Client, userAgent string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client, userAgent: userAgent}
}

// Execute implements Transport[*http.Request, *http.Response]. On error
// responses the body is closed and the response is still returned so the
// caller can inspect headers.
func (t *HTTPTransport) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	StampRequest(req.Header, t.userAgent, time.Now())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		hint, _ := ParseRetryAfter(resp.Header)
		return resp, NewThrottledError(hint, errors.New(resp.Status))
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return resp, NewStatusCodeError(resp.StatusCode, errors.New(resp.Status))
	}

	return resp, nil
}

// JSONTransport composes HTTPTransport with lenient JSON decoding of the
// response body into T. Unknown fields are tolerated (the codec policy is
// external to the engine); a body that cannot be decoded at all surfaces
// as MalformedPayloadError.
type JSONTransport[T any] struct {
	http *HTTPTransport
}

// NewJSONTransport creates a JSON-decoding transport.
func NewJSONTransport[T any](client *http.Client, userAgent string) *JSONTransport[T] {
	return &JSONTransport[T]{http: NewHTTPTransport(client, userAgent)}
}

// Execute implements Transport[*http.Request, T].
func (t *JSONTransport[T]) Execute(ctx context.Context, req *http.Request) (T, error) {
	var zero T

	resp, err := t.http.Execute(ctx, req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var decoded T
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return zero, NewMalformedPayloadError(err)
	}
	return decoded, nil
}
