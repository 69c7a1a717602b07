package callguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Engine is the resilience client orchestrator. It composes the circuit
// breaker registry, the outcome classifier, the backoff scheduler, the
// retry queue, and the dead letter sink around a caller-supplied
// transport.
//
// Every logical call progresses through admission -> transport ->
// classification -> {completion | re-enqueue | dead letter}. The engine
// never blocks a caller while waiting for a retry delay; retries are
// dispatched by the queue's timer and callers observe only the terminal
// outcome through the returned Future.
type Engine[Req, Resp any] struct {
	transport  Transport[Req, Resp]
	config     *Config
	classifier OutcomeClassifier
	sink       DeadLetterSink
	breakers   *BreakerRegistry
	queue      *RetryQueue
	logger     *slog.Logger
	tripKinds  map[ErrorKind]bool
	stats      *engineStats
}

// call is the engine-internal state of one logical call. It is owned by a
// single attempt at a time; only the cancellation flag is shared.
type call[Req, Resp any] struct {
	id          string
	destination string
	req         Req
	policy      Policy
	scheduler   *BackoffScheduler
	future      *Future[Resp]
	ctx         context.Context
	message     bool
	cancelled   atomic.Bool
	attempts    atomic.Int32
}

// NewEngine creates an engine around the given transport.
//
// Example:
//
//	engine := callguard.NewEngine[*http.Request, *http.Response](
//	    callguard.NewHTTPTransport(httpClient, "billing-service/1.4"),
//	    callguard.WithMaxAttempts(5),
//	    callguard.WithBaseDelay(100*time.Millisecond),
//	)
func NewEngine[Req, Resp any](transport Transport[Req, Resp], opts ...Option) *Engine[Req, Resp] {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultClassifier()
	}
	if config.DeadLetter == nil {
		config.DeadLetter = discardSink{}
	}

	tripKinds := make(map[ErrorKind]bool, len(config.TripKinds))
	for _, kind := range config.TripKinds {
		tripKinds[kind] = true
	}

	e := &Engine[Req, Resp]{
		transport:  transport,
		config:     config,
		classifier: config.Classifier,
		sink:       config.DeadLetter,
		logger:     config.Logger,
		tripKinds:  tripKinds,
		stats:      &engineStats{},
	}
	e.breakers = NewBreakerRegistry(e.resolvePolicy, config.Logger, config.OnStateChange)
	e.queue = NewRetryQueue(config.Logger)
	return e
}

// resolvePolicy merges the default policy with any per-destination
// override.
func (e *Engine[Req, Resp]) resolvePolicy(destination string) Policy {
	policy := e.config.Policy
	if override, ok := e.config.Destinations[destination]; ok {
		policy = policy.merged(override)
	}
	return policy
}

// Call starts a request/response call against a destination. It returns
// immediately; the Future resolves with the response or a terminal
// *Error once retries are exhausted, the circuit rejects the call, or a
// non-retryable failure occurs.
//
// Cancelling ctx abandons the call: no further transport invocation is
// made and any pending retry task is neutralised.
func (e *Engine[Req, Resp]) Call(ctx context.Context, destination string, req Req) *Future[Resp] {
	return e.start(ctx, destination, req, false).future
}

// Submit starts an asynchronous message delivery. It behaves like Call
// except that non-retryable outcomes route the message to the dead
// letter sink before the Future resolves with the classification reason.
func (e *Engine[Req, Resp]) Submit(ctx context.Context, destination string, msg Req) *Future[struct{}] {
	inner := e.start(ctx, destination, msg, true).future
	out := newFuture[struct{}]()
	go func() {
		<-inner.Done()
		_, err := inner.Result()
		out.complete(struct{}{}, err)
	}()
	return out
}

// Do is the blocking convenience form of Call: it waits for the terminal
// outcome or the context, whichever comes first.
func (e *Engine[Req, Resp]) Do(ctx context.Context, destination string, req Req) (Resp, error) {
	return e.Call(ctx, destination, req).Wait(ctx)
}

// State returns the destination's current circuit state.
func (e *Engine[Req, Resp]) State(destination string) CircuitState {
	return e.breakers.State(destination)
}

// Stats returns a snapshot of engine-wide counters.
func (e *Engine[Req, Resp]) Stats() Stats {
	return e.stats.snapshot()
}

// Close stops the retry queue. Calls with pending retries never dispatch
// again; their futures resolve through caller context cancellation.
func (e *Engine[Req, Resp]) Close() {
	e.queue.Close()
}

func (e *Engine[Req, Resp]) start(ctx context.Context, destination string, req Req, message bool) *call[Req, Resp] {
	policy := e.resolvePolicy(destination)
	c := &call[Req, Resp]{
		id:          uuid.NewString(),
		destination: destination,
		req:         req,
		policy:      policy,
		scheduler:   NewBackoffScheduler(policy),
		future:      newFuture[Resp](),
		ctx:         ctx,
		message:     message,
	}

	e.stats.callStarted()

	if policy.MaxAttempts <= 0 {
		var zero Resp
		e.finish(c, zero, errors.New("max attempts must be positive"))
		return c
	}

	go e.watchContext(c)
	go e.runAttempt(c, 1)
	return c
}

// watchContext neutralises the call when its context ends first: the
// pending retry task is cancelled and the future resolves. A deadline
// that expires mid-retry terminates the call the same way an exhausted
// attempt cap would.
func (e *Engine[Req, Resp]) watchContext(c *call[Req, Resp]) {
	select {
	case <-c.future.Done():
	case <-c.ctx.Done():
		c.cancelled.Store(true)
		e.queue.Cancel(c.id)

		var zero Resp
		err := c.ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			e.finish(c, zero, &Error{
				Kind:        KindRetriesExhausted,
				CallID:      c.id,
				Destination: c.destination,
				Attempts:    int(c.attempts.Load()),
				Err:         err,
			})
			return
		}
		e.logger.Debug("call abandoned by caller",
			"call_id", c.id,
			"destination", c.destination)
		e.finish(c, zero, err)
	}
}

// runAttempt executes one attempt of the pipeline. Attempts for a single
// call are strictly sequential: the next attempt is only enqueued after
// this one's outcome is classified.
func (e *Engine[Req, Resp]) runAttempt(c *call[Req, Resp], attempt int) {
	var zero Resp

	// The cancellation flag is re-checked after queue dispatch so a cancel
	// racing with dispatch never reaches the transport.
	if c.cancelled.Load() || c.ctx.Err() != nil {
		return
	}

	report, err := e.breakers.Admit(c.destination)
	if err != nil {
		attemptsTotal.WithLabelValues(c.destination, KindCircuitOpen.String()).Inc()
		e.finish(c, zero, &Error{
			Kind:        KindCircuitOpen,
			CallID:      c.id,
			Destination: c.destination,
			Attempts:    attempt - 1,
			Err:         err,
		})
		return
	}

	c.attempts.Store(int32(attempt))
	e.stats.attemptStarted(attempt > 1)

	start := time.Now()
	resp, terr := e.transport.Execute(c.ctx, c.req)
	attemptDuration.WithLabelValues(c.destination).Observe(time.Since(start).Seconds())

	outcome := e.classifier.Classify(terr)
	report(!e.tripKinds[outcome.Kind])
	attemptsTotal.WithLabelValues(c.destination, outcome.Kind.String()).Inc()

	if c.ctx.Err() != nil {
		// Cancelled mid-flight; watchContext resolves the future.
		return
	}

	switch {
	case outcome.Kind == KindSuccess:
		if attempt > 1 {
			e.logger.Info("call succeeded after retry",
				"call_id", c.id,
				"destination", c.destination,
				"attempts", attempt)
		}
		e.finish(c, resp, nil)

	case outcome.Kind.Retryable():
		e.scheduleRetry(c, attempt, outcome)

	default:
		if c.message {
			e.deadLetter(c, attempt, outcome)
			return
		}
		e.logger.Debug("non-retryable error, giving up",
			"call_id", c.id,
			"destination", c.destination,
			"kind", outcome.Kind.String(),
			"attempts", attempt,
			"error", outcome.Err)
		e.finish(c, zero, &Error{
			Kind:        outcome.Kind,
			CallID:      c.id,
			Destination: c.destination,
			Attempts:    attempt,
			Err:         outcome.Err,
		})
	}
}

// scheduleRetry computes the next delay and hands the call to the retry
// queue, or terminates it when the attempt cap or the overall deadline
// leaves no room for another attempt.
func (e *Engine[Req, Resp]) scheduleRetry(c *call[Req, Resp], attempt int, outcome Outcome) {
	var zero Resp

	delay, err := c.scheduler.NextDelay(attempt, outcome.RetryAfter)
	if err != nil {
		e.logger.Warn("call failed after retries",
			"call_id", c.id,
			"destination", c.destination,
			"attempts", attempt,
			"error", outcome.Err)
		e.finish(c, zero, &Error{
			Kind:        KindRetriesExhausted,
			CallID:      c.id,
			Destination: c.destination,
			Attempts:    attempt,
			Err:         outcome.Err,
		})
		return
	}

	notBefore := time.Now().Add(delay)
	if deadline, ok := c.ctx.Deadline(); ok && notBefore.After(deadline) {
		e.finish(c, zero, &Error{
			Kind:        KindRetriesExhausted,
			CallID:      c.id,
			Destination: c.destination,
			Attempts:    attempt,
			Err:         fmt.Errorf("deadline before next attempt: %w", outcome.Err),
		})
		return
	}

	e.logger.Debug("retrying call after delay",
		"call_id", c.id,
		"destination", c.destination,
		"attempt", attempt,
		"delay", delay,
		"error", outcome.Err)
	retriesScheduled.WithLabelValues(c.destination).Inc()

	next := CallAttempt{
		CallID:      c.id,
		Destination: c.destination,
		Attempt:     attempt + 1,
		NotBefore:   notBefore,
	}
	if err := e.queue.Enqueue(next, notBefore, func(a CallAttempt) {
		e.runAttempt(c, a.Attempt)
	}); err != nil {
		e.finish(c, zero, &Error{
			Kind:        KindRetriesExhausted,
			CallID:      c.id,
			Destination: c.destination,
			Attempts:    attempt,
			Err:         err,
		})
	}
}

// deadLetter preserves a non-retriable message and its classification for
// later inspection. Delivery uses a detached context: a caller's expiring
// deadline must not lose the letter. A sink failure is reported, never
// swallowed.
func (e *Engine[Req, Resp]) deadLetter(c *call[Req, Resp], attempt int, outcome Outcome) {
	var zero Resp

	letter := DeadLetter{
		ID:          c.id,
		Destination: c.destination,
		Reason:      outcome.Kind.String(),
		Payload:     payloadBytes(c.req),
		Attempts:    attempt,
		FailedAt:    time.Now(),
	}
	if outcome.Err != nil {
		letter.Error = outcome.Err.Error()
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.sink.Send(sendCtx, letter); err != nil {
		e.logger.Error("dead letter delivery failed",
			"call_id", c.id,
			"destination", c.destination,
			"reason", letter.Reason,
			"error", err)
		e.finish(c, zero, &Error{
			Kind:        outcome.Kind,
			CallID:      c.id,
			Destination: c.destination,
			Attempts:    attempt,
			Err:         errors.Join(fmt.Errorf("%w: %v", ErrDeadLetterFailed, err), outcome.Err),
		})
		return
	}

	deadLettersTotal.WithLabelValues(c.destination, letter.Reason).Inc()
	e.stats.deadLettered()
	e.logger.Warn("message dead-lettered",
		"call_id", c.id,
		"destination", c.destination,
		"reason", letter.Reason,
		"attempts", attempt)

	e.finish(c, zero, &Error{
		Kind:        outcome.Kind,
		CallID:      c.id,
		Destination: c.destination,
		Attempts:    attempt,
		Err:         outcome.Err,
	})
}

// finish resolves the call's future exactly once and updates counters.
// Losing the race against another finisher leaves the counters untouched.
func (e *Engine[Req, Resp]) finish(c *call[Req, Resp], resp Resp, err error) {
	if c.future.complete(resp, err) {
		e.stats.callFinished(err)
	}
}

// payloadBytes preserves the message content for the dead letter record.
func payloadBytes(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%+v", v))
	}
	return data
}

// Stats holds engine-wide operation counters.
type Stats struct {
	// TotalCalls is the number of logical calls and messages started.
	TotalCalls int64

	// TotalAttempts is the number of transport attempts made (initial and
	// retries).
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial
	// attempts).
	TotalRetries int64

	// TotalSuccesses is the number of calls that completed successfully.
	TotalSuccesses int64

	// TotalFailures is the number of calls that completed with a terminal
	// error.
	TotalFailures int64

	// TotalDeadLettered is the number of messages routed to the dead
	// letter sink.
	TotalDeadLettered int64

	// LastAttemptTime is the time of the last transport attempt.
	LastAttemptTime time.Time

	// LastError is the last terminal error, if any.
	LastError error
}

// engineStats tracks engine operation statistics.
type engineStats struct {
	mu                sync.RWMutex
	totalCalls        int64
	totalAttempts     int64
	totalRetries      int64
	totalSuccesses    int64
	totalFailures     int64
	totalDeadLettered int64
	lastAttemptTime   time.Time
	lastError         error
}

func (s *engineStats) callStarted() {
	s.mu.Lock()
	s.totalCalls++
	s.mu.Unlock()
}

func (s *engineStats) attemptStarted(isRetry bool) {
	s.mu.Lock()
	s.totalAttempts++
	if isRetry {
		s.totalRetries++
	}
	s.lastAttemptTime = time.Now()
	s.mu.Unlock()
}

func (s *engineStats) callFinished(err error) {
	s.mu.Lock()
	if err != nil {
		s.totalFailures++
		s.lastError = err
	} else {
		s.totalSuccesses++
	}
	s.mu.Unlock()
}

func (s *engineStats) deadLettered() {
	s.mu.Lock()
	s.totalDeadLettered++
	s.mu.Unlock()
}

func (s *engineStats) snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalCalls:        s.totalCalls,
		TotalAttempts:     s.totalAttempts,
		TotalRetries:      s.totalRetries,
		TotalSuccesses:    s.totalSuccesses,
		TotalFailures:     s.totalFailures,
		TotalDeadLettered: s.totalDeadLettered,
		LastAttemptTime:   s.lastAttemptTime,
		LastError:         s.lastError,
	}
}
