package callguard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DeadLetter is the terminal record of a message that cannot and will not
// succeed on retry. The original payload and the classification reason
// are preserved for later inspection.
type DeadLetter struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Reason      string    `json:"reason"`
	Payload     []byte    `json:"payload"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// DeadLetterSink receives messages classified as non-retriable. No retry
// is ever attempted on this path. A failed Send is a reportable error and
// must not be swallowed by implementations.
type DeadLetterSink interface {
	Send(ctx context.Context, letter DeadLetter) error
}

// MemoryDeadLetterSink stores dead letters in memory. Suitable for tests
// and single-process tools; production deployments should prefer
// RedisDeadLetterSink.
type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetterSink creates an empty in-memory sink.
func NewMemoryDeadLetterSink() *MemoryDeadLetterSink {
	return &MemoryDeadLetterSink{}
}

// Send implements DeadLetterSink.
func (s *MemoryDeadLetterSink) Send(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// Letters returns a snapshot of everything received so far.
func (s *MemoryDeadLetterSink) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

// Count returns the number of dead letters received.
func (s *MemoryDeadLetterSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}

// discardSink rejects every letter. Used when no sink is configured so a
// mis-wired engine fails loudly instead of silently dropping messages.
type discardSink struct{}

func (discardSink) Send(_ context.Context, letter DeadLetter) error {
	return fmt.Errorf("no dead letter sink configured for destination %s", letter.Destination)
}
