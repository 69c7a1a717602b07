package callguard_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	callguard "github.com/JohnPlummer/jp-go-callguard"
)

var _ = Describe("MemoryDeadLetterSink", func() {
	var sink *callguard.MemoryDeadLetterSink

	BeforeEach(func() {
		sink = callguard.NewMemoryDeadLetterSink()
	})

	It("should preserve letter content and reason", func() {
		letter := callguard.DeadLetter{
			ID:          "call-1",
			Destination: "billing",
			Reason:      "malformed_payload",
			Payload:     []byte(`{"order":42}`),
			Error:       "malformed payload: invalid character 'x'",
			Attempts:    1,
			FailedAt:    time.Now(),
		}

		Expect(sink.Send(context.Background(), letter)).To(Succeed())

		letters := sink.Letters()
		Expect(letters).To(HaveLen(1))
		Expect(letters[0]).To(Equal(letter))
	})

	It("should return independent snapshots", func() {
		Expect(sink.Send(context.Background(), callguard.DeadLetter{ID: "a"})).To(Succeed())

		first := sink.Letters()
		Expect(sink.Send(context.Background(), callguard.DeadLetter{ID: "b"})).To(Succeed())

		Expect(first).To(HaveLen(1))
		Expect(sink.Count()).To(Equal(2))
	})
})
