package callguard

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RetryTask is a scheduled re-attempt of a logical call. Between enqueue
// and dispatch it is owned exclusively by the queue; it holds no
// transport resource while waiting.
type retryTask struct {
	attempt   CallAttempt
	run       func(CallAttempt)
	notBefore time.Time
	seq       uint64
	index     int
	cancelled atomic.Bool
}

// RetryQueue holds pending retry tasks keyed by their earliest-eligible
// time. A single timer-driven goroutine releases tasks once their
// not-before time has passed; released tasks run on their own goroutine
// so a slow attempt never delays other dispatches.
//
// The not-before time is a soft real-time guarantee: tasks are dispatched
// no earlier than it, ties broken by enqueue order.
type RetryQueue struct {
	mu     sync.Mutex
	tasks  taskHeap
	byCall map[string]*retryTask
	seq    uint64
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	logger *slog.Logger
}

// NewRetryQueue creates a queue and starts its dispatch loop.
func NewRetryQueue(logger *slog.Logger) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RetryQueue{
		byCall: make(map[string]*retryTask),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.dispatchLoop()
	return q
}

// Enqueue schedules run to be invoked with the attempt once notBefore has
// passed. A call has at most one pending task at a time; attempts are
// strictly sequential per call.
func (q *RetryQueue) Enqueue(attempt CallAttempt, notBefore time.Time, run func(CallAttempt)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.seq++
	task := &retryTask{
		attempt:   attempt,
		run:       run,
		notBefore: notBefore,
		seq:       q.seq,
	}
	heap.Push(&q.tasks, task)
	q.byCall[attempt.CallID] = task
	retryQueueDepth.Set(float64(q.tasks.Len()))

	q.logger.Debug("retry scheduled",
		"call_id", attempt.CallID,
		"destination", attempt.Destination,
		"attempt", attempt.Attempt,
		"not_before", notBefore)

	q.wakeDispatcher()
	return nil
}

// Cancel neutralises the pending task for a call, if any. Cancellation is
// best-effort: if the task is dispatching concurrently, the cancelled
// flag still guarantees its run callback is never invoked. Returns true
// if a pending task was found.
func (q *RetryQueue) Cancel(callID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.byCall[callID]
	if !ok {
		return false
	}
	task.cancelled.Store(true)
	delete(q.byCall, callID)
	if task.index >= 0 {
		heap.Remove(&q.tasks, task.index)
		retryQueueDepth.Set(float64(q.tasks.Len()))
	}
	return true
}

// Len returns the number of pending tasks.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Close stops the dispatch loop and rejects further enqueues. Pending
// tasks are dropped without running.
func (q *RetryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, task := range q.byCall {
		task.cancelled.Store(true)
	}
	q.byCall = make(map[string]*retryTask)
	q.tasks = nil
	retryQueueDepth.Set(0)
	q.mu.Unlock()

	close(q.stop)
	<-q.done
}

// wakeDispatcher nudges the loop to re-evaluate the earliest deadline.
// Callers must hold q.mu.
func (q *RetryQueue) wakeDispatcher() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop waits until the earliest task is eligible, then releases
// every eligible task to its own goroutine.
func (q *RetryQueue) dispatchLoop() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wait time.Duration
		q.mu.Lock()
		now := time.Now()
		for q.tasks.Len() > 0 {
			next := q.tasks[0]
			if next.notBefore.After(now) {
				break
			}
			heap.Pop(&q.tasks)
			delete(q.byCall, next.attempt.CallID)

			// Re-check after removal: Cancel may have raced with the pop.
			if !next.cancelled.Load() {
				go next.run(next.attempt)
			}
		}
		retryQueueDepth.Set(float64(q.tasks.Len()))
		if q.tasks.Len() > 0 {
			wait = time.Until(q.tasks[0].notBefore)
		} else {
			wait = time.Hour
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}

// taskHeap orders tasks by not-before time, breaking ties by enqueue
// sequence so equal deadlines dispatch FIFO.
type taskHeap []*retryTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].notBefore.Before(h[j].notBefore)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*retryTask)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}
