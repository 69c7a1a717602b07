package callguard_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	callguard "github.com/JohnPlummer/jp-go-callguard"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	executeFunc func(ctx context.Context, req string) (string, error)
	callCount   atomic.Int32
}

func (m *mockTransport) Execute(ctx context.Context, req string) (string, error) {
	m.callCount.Add(1)
	return m.executeFunc(ctx, req)
}

func (m *mockTransport) getCallCount() int {
	return int(m.callCount.Load())
}

// failNTimes fails the first n attempts with err, then succeeds.
func failNTimes(n int, err error) *mockTransport {
	var seen atomic.Int32
	transport := &mockTransport{}
	transport.executeFunc = func(ctx context.Context, req string) (string, error) {
		if int(seen.Add(1)) <= n {
			return "", err
		}
		return "ok", nil
	}
	return transport
}

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *mockTransport
		engine    *callguard.Engine[string, string]
		logger    *slog.Logger
	)

	serverError := callguard.NewStatusCodeError(500, errors.New("500 Internal Server Error"))

	newEngine := func(t *mockTransport, opts ...callguard.Option) *callguard.Engine[string, string] {
		base := []callguard.Option{
			callguard.WithLogger(logger),
			callguard.WithBaseDelay(10 * time.Millisecond),
			callguard.WithJitterFraction(0),
		}
		return callguard.NewEngine[string, string](t, append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
		transport = &mockTransport{
			executeFunc: func(ctx context.Context, req string) (string, error) {
				return "ok", nil
			},
		}
	})

	AfterEach(func() {
		cancel()
		if engine != nil {
			engine.Close()
			engine = nil
		}
	})

	Describe("Call", func() {
		It("should complete with the response on first-attempt success", func() {
			engine = newEngine(transport)

			resp, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
			Expect(transport.getCallCount()).To(Equal(1))
		})

		It("should retry transient server errors until success", func() {
			transport = failNTimes(2, serverError)
			engine = newEngine(transport, callguard.WithMaxAttempts(5))

			resp, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
			Expect(transport.getCallCount()).To(Equal(3))
		})

		It("should retry transport-level failures", func() {
			transport = failNTimes(1, errors.New("connection refused"))
			engine = newEngine(transport, callguard.WithMaxAttempts(3))

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(transport.getCallCount()).To(Equal(2))
		})

		It("should keep attempts strictly sequential with the computed spacing", func() {
			var times []time.Time
			transport = &mockTransport{}
			transport.executeFunc = func(ctx context.Context, req string) (string, error) {
				times = append(times, time.Now())
				if transport.getCallCount() < 3 {
					return "", serverError
				}
				return "ok", nil
			}
			engine = newEngine(transport, callguard.WithMaxAttempts(5), callguard.WithBaseDelay(40*time.Millisecond))

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(times).To(HaveLen(3))
			// delay after attempt 1 is 40ms, after attempt 2 is 80ms
			Expect(times[1].Sub(times[0])).To(BeNumerically(">=", 40*time.Millisecond))
			Expect(times[2].Sub(times[1])).To(BeNumerically(">=", 80*time.Millisecond))
		})

		It("should complete with RetriesExhausted once the attempt cap is reached", func() {
			transport = failNTimes(100, serverError)
			engine = newEngine(transport, callguard.WithMaxAttempts(2))

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(callguard.KindOf(err)).To(Equal(callguard.KindRetriesExhausted))
			Expect(transport.getCallCount()).To(Equal(2))

			var terminal *callguard.Error
			Expect(errors.As(err, &terminal)).To(BeTrue())
			Expect(terminal.Attempts).To(Equal(2))
			Expect(terminal.Destination).To(Equal("svc"))
		})

		It("should fail immediately on validation errors without retrying", func() {
			transport = failNTimes(100, callguard.NewStatusCodeError(404, errors.New("404 Not Found")))
			engine = newEngine(transport, callguard.WithMaxAttempts(5))

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(callguard.KindOf(err)).To(Equal(callguard.KindValidationError))
			Expect(transport.getCallCount()).To(Equal(1))
		})

		It("should honor a Retry-After hint larger than the computed delay", func() {
			throttled := callguard.NewThrottledError(150*time.Millisecond, errors.New("429 Too Many Requests"))
			transport = failNTimes(1, throttled)
			engine = newEngine(transport, callguard.WithMaxAttempts(3))

			start := time.Now()
			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically(">=", 150*time.Millisecond))
			Expect(transport.getCallCount()).To(Equal(2))
		})

		It("should reject max attempts below 1", func() {
			engine = newEngine(transport, callguard.WithMaxAttempts(0))

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).To(HaveOccurred())
			Expect(transport.getCallCount()).To(BeZero())
		})
	})

	Describe("Circuit breaking", func() {
		It("should fail fast without a transport invocation while open", func() {
			transport = failNTimes(100, serverError)
			engine = newEngine(transport,
				callguard.WithMaxAttempts(1),
				callguard.WithFailureThreshold(3),
			)

			for i := 0; i < 3; i++ {
				_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
				Expect(callguard.KindOf(err)).To(Equal(callguard.KindRetriesExhausted))
			}
			Expect(engine.State("svc")).To(Equal(callguard.StateOpen))
			invocations := transport.getCallCount()

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(callguard.KindOf(err)).To(Equal(callguard.KindCircuitOpen))
			Expect(transport.getCallCount()).To(Equal(invocations))
		})

		It("should recover through a half-open probe after the cooldown", func() {
			transport = failNTimes(3, serverError)
			engine = newEngine(transport,
				callguard.WithMaxAttempts(1),
				callguard.WithFailureThreshold(3),
				callguard.WithCooldownDuration(60*time.Millisecond),
			)

			for i := 0; i < 3; i++ {
				_, _ = engine.Call(ctx, "svc", "request").Wait(ctx)
			}
			Expect(engine.State("svc")).To(Equal(callguard.StateOpen))

			time.Sleep(90 * time.Millisecond)

			resp, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
			Expect(engine.State("svc")).To(Equal(callguard.StateClosed))
		})

		It("should keep the health snapshot consistent with the state", func() {
			engine = newEngine(transport)

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())

			health := engine.Health("svc")
			Expect(health.Destination).To(Equal("svc"))
			Expect(health.Healthy).To(BeTrue())
			Expect(health.State).To(Equal("closed"))
			Expect(health.TotalSuccesses).To(Equal(uint32(1)))
		})
	})

	Describe("Cancellation and deadlines", func() {
		It("should stop retrying when the caller cancels", func() {
			transport = failNTimes(100, serverError)
			engine = newEngine(transport,
				callguard.WithMaxAttempts(5),
				callguard.WithBaseDelay(200*time.Millisecond),
			)

			callCtx, callCancel := context.WithCancel(ctx)
			future := engine.Call(callCtx, "svc", "request")

			// Let the first attempt fail and the retry get queued.
			Eventually(transport.getCallCount, time.Second).Should(Equal(1))
			callCancel()

			_, err := future.Wait(ctx)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())

			// The queued retry never reaches the transport.
			Consistently(transport.getCallCount, 400*time.Millisecond).Should(Equal(1))
		})

		It("should terminate with RetriesExhausted when the deadline leaves no room", func() {
			transport = failNTimes(100, serverError)
			engine = newEngine(transport,
				callguard.WithMaxAttempts(10),
				callguard.WithBaseDelay(300*time.Millisecond),
			)

			callCtx, callCancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer callCancel()

			_, err := engine.Call(callCtx, "svc", "request").Wait(ctx)
			Expect(callguard.KindOf(err)).To(Equal(callguard.KindRetriesExhausted))
			Expect(transport.getCallCount()).To(Equal(1))
		})
	})

	Describe("Do", func() {
		It("should block until the terminal outcome", func() {
			transport = failNTimes(1, serverError)
			engine = newEngine(transport, callguard.WithMaxAttempts(3))

			resp, err := engine.Do(ctx, "svc", "request")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
		})
	})

	Describe("Per-destination policy", func() {
		It("should apply overrides only to the named destination", func() {
			transport = &mockTransport{executeFunc: func(ctx context.Context, req string) (string, error) {
				return "", serverError
			}}
			one := 1
			engine = newEngine(transport,
				callguard.WithMaxAttempts(3),
				callguard.WithDestinationPolicy("fragile", callguard.PolicyOverride{MaxAttempts: &one}),
			)

			_, _ = engine.Call(ctx, "fragile", "request").Wait(ctx)
			Expect(transport.getCallCount()).To(Equal(1))

			_, _ = engine.Call(ctx, "sturdy", "request").Wait(ctx)
			Expect(transport.getCallCount()).To(Equal(1 + 3))
		})
	})

	Describe("Stats", func() {
		It("should count calls, attempts and retries", func() {
			transport = failNTimes(2, serverError)
			engine = newEngine(transport, callguard.WithMaxAttempts(5))

			_, err := engine.Call(ctx, "svc", "request").Wait(ctx)
			Expect(err).NotTo(HaveOccurred())

			stats := engine.Stats()
			Expect(stats.TotalCalls).To(Equal(int64(1)))
			Expect(stats.TotalAttempts).To(Equal(int64(3)))
			Expect(stats.TotalRetries).To(Equal(int64(2)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(BeZero())
		})
	})
})

var _ = Describe("Engine messaging", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *mockTransport
		sink      *callguard.MemoryDeadLetterSink
		engine    *callguard.Engine[string, string]
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		sink = callguard.NewMemoryDeadLetterSink()
		transport = &mockTransport{
			executeFunc: func(ctx context.Context, req string) (string, error) {
				return "ok", nil
			},
		}
	})

	AfterEach(func() {
		cancel()
		if engine != nil {
			engine.Close()
			engine = nil
		}
	})

	newEngine := func(opts ...callguard.Option) *callguard.Engine[string, string] {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		base := []callguard.Option{
			callguard.WithLogger(logger),
			callguard.WithBaseDelay(10 * time.Millisecond),
			callguard.WithJitterFraction(0),
			callguard.WithDeadLetterSink(sink),
		}
		return callguard.NewEngine[string, string](transport, append(base, opts...)...)
	}

	It("should complete without dead-lettering on success", func() {
		engine = newEngine()

		_, err := engine.Submit(ctx, "svc", "message").Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(sink.Count()).To(BeZero())
	})

	It("should dead-letter a malformed message exactly once and never re-enqueue it", func() {
		decodeErr := callguard.NewMalformedPayloadError(errors.New("invalid character 'x'"))
		transport.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", decodeErr
		}
		engine = newEngine(callguard.WithMaxAttempts(5))

		_, err := engine.Submit(ctx, "svc", "message").Wait(ctx)
		Expect(callguard.KindOf(err)).To(Equal(callguard.KindMalformedPayload))
		Expect(transport.getCallCount()).To(Equal(1))

		letters := sink.Letters()
		Expect(letters).To(HaveLen(1))
		Expect(letters[0].Reason).To(Equal("malformed_payload"))
		Expect(letters[0].Destination).To(Equal("svc"))
		Expect(string(letters[0].Payload)).To(ContainSubstring("message"))

		// No retry is ever attempted on this path.
		Consistently(sink.Count, 100*time.Millisecond).Should(Equal(1))
		Expect(transport.getCallCount()).To(Equal(1))
	})

	It("should dead-letter validation failures for messages", func() {
		transport.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", callguard.NewStatusCodeError(400, errors.New("400 Bad Request"))
		}
		engine = newEngine()

		_, err := engine.Submit(ctx, "svc", "message").Wait(ctx)
		Expect(callguard.KindOf(err)).To(Equal(callguard.KindValidationError))
		Expect(sink.Count()).To(Equal(1))
	})

	It("should retry transient message failures before succeeding", func() {
		serverError := callguard.NewStatusCodeError(503, errors.New("503 Service Unavailable"))
		transport = failNTimes(2, serverError)
		engine = newEngine(callguard.WithMaxAttempts(5))

		_, err := engine.Submit(ctx, "svc", "message").Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(transport.getCallCount()).To(Equal(3))
		Expect(sink.Count()).To(BeZero())
	})

	It("should surface a dead letter delivery failure instead of swallowing it", func() {
		transport.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", callguard.NewMalformedPayloadError(errors.New("bad body"))
		}
		engine = newEngine(callguard.WithDeadLetterSink(failingSink{}))

		_, err := engine.Submit(ctx, "svc", "message").Wait(ctx)
		Expect(err).To(MatchError(callguard.ErrDeadLetterFailed))
		Expect(callguard.KindOf(err)).To(Equal(callguard.KindMalformedPayload))
	})
})

// failingSink rejects every letter.
type failingSink struct{}

func (failingSink) Send(context.Context, callguard.DeadLetter) error {
	return errors.New("sink unavailable")
}
