package callguard

import (
	"context"
	"sync"
)

// Future is the caller-facing handle for a pending call or message. It
// completes exactly once, with either a response or a terminal *Error;
// per-attempt failures that will still be retried never surface here.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete resolves the future. Subsequent calls are no-ops, which makes
// races between cancellation and dispatch safe. It reports whether this
// call was the one that resolved the future.
func (f *Future[T]) complete(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the terminal outcome. It must only be called after Done
// is closed; before that the zero value and nil are returned.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		var zero T
		return zero, nil
	}
}

// Wait blocks until the future resolves or the context is done, whichever
// comes first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
