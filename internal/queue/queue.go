// Package queue provides the bounded FIFO used for connection receive queues
// and socket accept queues.
//
// Producers never block: TryPush either enqueues or reports ErrFull/ErrClosed,
// so it is safe from driver receive goroutines. Consumers block in Pop with a
// timeout and are woken by Close.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Timeouts understood by Pop.
const (
	NoWait  time.Duration = 0
	Forever time.Duration = -1
)

var (
	ErrFull    = errors.New("queue: full")
	ErrClosed  = errors.New("queue: closed")
	ErrTimeout = errors.New("queue: timeout")
	ErrEmpty   = errors.New("queue: empty")
)

// Queue is a bounded FIFO of T.
type Queue[T any] struct {
	mu      sync.Mutex
	items   chan T
	done    chan struct{}
	closed  bool
	waiting atomic.Int32
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// TryPush enqueues v without blocking. woke reports that a consumer was
// parked in Pop when v arrived.
func (q *Queue[T]) TryPush(v T) (woke bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	select {
	case q.items <- v:
		return q.waiting.Load() > 0, nil
	default:
		return false, ErrFull
	}
}

// Pop dequeues the oldest item. A timeout of NoWait returns ErrEmpty when
// nothing is queued; Forever waits until an item arrives or the queue closes.
// Items queued before Shutdown are still returned before ErrClosed.
func (q *Queue[T]) Pop(timeout time.Duration) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	default:
	}
	if timeout == NoWait {
		if q.isClosed() {
			return zero, ErrClosed
		}
		return zero, ErrEmpty
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	q.waiting.Add(1)
	defer q.waiting.Add(-1)
	select {
	case v := <-q.items:
		return v, nil
	case <-q.done:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-expired:
		return zero, ErrTimeout
	}
}

// Shutdown refuses further pushes and wakes blocked consumers once the
// remaining items are drained. It reports whether this call closed the queue.
func (q *Queue[T]) Shutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	close(q.done)
	return true
}

// Close shuts the queue down and returns every item still queued so the
// caller can dispose of them.
func (q *Queue[T]) Close() []T {
	q.Shutdown()
	var out []T
	for {
		select {
		case v := <-q.items:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Closed reports whether Shutdown or Close has been called.
func (q *Queue[T]) Closed() bool {
	return q.isClosed()
}

// Waiting returns the number of consumers parked in Pop.
func (q *Queue[T]) Waiting() int {
	return int(q.waiting.Load())
}

func (q *Queue[T]) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
