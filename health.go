package callguard

// HealthStatus represents the health of one destination's circuit
// breaker. It provides a strongly-typed alternative to
// map[string]interface{} for health checks.
type HealthStatus struct {
	// Destination is the logical downstream this status describes.
	Destination string `json:"destination"`

	// Healthy indicates whether calls to the destination are flowing.
	// True for closed and half-open states, false for open.
	Healthy bool `json:"healthy"`

	// State is the string representation of the circuit state.
	State string `json:"state"`

	// Requests is the total number of requests in the current window.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed requests.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Health returns the health status of a destination's circuit breaker.
// Destinations never called before report a healthy closed circuit.
func (e *Engine[Req, Resp]) Health(destination string) HealthStatus {
	state := e.breakers.State(destination)
	counts := e.breakers.Counts(destination)

	return HealthStatus{
		Destination:          destination,
		Healthy:              state != StateOpen,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}
