package callguard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header names at the transport boundary. Names are case-sensitive as
// documented in the service-to-service conventions; http.Header
// canonicalises them to the same form.
const (
	// HeaderRequestTime carries the client-side epoch milliseconds at send
	// time.
	HeaderRequestTime = "Request-Time"

	// HeaderUserAgent identifies the calling service and version.
	HeaderUserAgent = "User-Agent"

	// HeaderResponseTime carries the server-side epoch milliseconds at
	// response time.
	HeaderResponseTime = "Response-Time"

	// HeaderServer identifies the responding service and version.
	HeaderServer = "Server"

	// HeaderRequestID is the correlation identifier. Generated by the
	// client if absent, echoed by the server.
	HeaderRequestID = "Request-Id"

	// HeaderRetryAfter accompanies 429 responses with the seconds until a
	// retry is permitted.
	HeaderRetryAfter = "Retry-After"
)

// StampRequest sets the client-side headers on an outbound request:
// Request-Time, User-Agent, and Request-Id (generated when absent).
// It returns the request id in effect.
func StampRequest(h http.Header, userAgent string, now time.Time) string {
	h.Set(HeaderRequestTime, strconv.FormatInt(now.UnixMilli(), 10))
	if userAgent != "" {
		h.Set(HeaderUserAgent, userAgent)
	}
	id := h.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
		h.Set(HeaderRequestID, id)
	}
	return id
}

// ParseRetryAfter reads the Retry-After header as whole seconds. It
// returns zero and false when the header is absent or not an integer.
func ParseRetryAfter(h http.Header) (time.Duration, bool) {
	raw := h.Get(HeaderRetryAfter)
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// ParseResponseTime reads the Response-Time header as epoch milliseconds.
func ParseResponseTime(h http.Header) (time.Time, bool) {
	raw := h.Get(HeaderResponseTime)
	if raw == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}
