package callguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal tracks completed attempts by destination and outcome kind.
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_attempts_total",
			Help: "Total number of completed attempts",
		},
		[]string{"destination", "kind"},
	)

	// retriesScheduled tracks retries placed on the queue.
	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_retries_scheduled_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"destination"},
	)

	// circuitRejections tracks calls rejected without a transport invocation.
	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_circuit_rejections_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"destination"},
	)

	// circuitTransitions tracks circuit breaker state changes.
	circuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"destination", "to"},
	)

	// deadLettersTotal tracks messages routed to the dead letter sink.
	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_dead_letters_total",
			Help: "Total number of messages dead-lettered",
		},
		[]string{"destination", "reason"},
	)

	// retryQueueDepth tracks pending retry tasks.
	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callguard_retry_queue_depth",
			Help: "Number of retry tasks waiting for dispatch",
		},
	)

	// attemptDuration tracks transport attempt latency.
	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callguard_attempt_duration_seconds",
			Help:    "Transport attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)
)
