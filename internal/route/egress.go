package route

import (
	"container/heap"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol"
)

// egress serializes transmitters on one interface. The holder releases the
// slot directly to the best waiter, so a waiter that has been granted never
// races a newcomer. Blocked local senders and queued forwarded frames share
// one heap, so both are served priority first, then in arrival order.
type egress struct {
	mu      sync.Mutex
	busy    bool
	ticket  uint64
	waiters waiterHeap
	queued  int
	sent    uint64
	failed  uint64
}

type waiter struct {
	prio   protocol.Priority
	ticket uint64
	ready  chan struct{}
	fwd    *pending
	index  int
}

// pending is a forwarded frame parked until its interface is free. The table
// owns pkt until done is called.
type pending struct {
	name string
	tx   Transmitter
	pkt  *buffer.Packet
	done ForwardFunc
}

func newEgress() *egress {
	return &egress{}
}

func (e *egress) acquire(prio protocol.Priority, timeout time.Duration) error {
	e.mu.Lock()
	if !e.busy {
		e.busy = true
		e.mu.Unlock()
		return nil
	}
	if timeout == NoWait {
		e.mu.Unlock()
		return ErrBusy
	}
	w := &waiter{prio: prio, ticket: e.ticket, ready: make(chan struct{})}
	e.ticket++
	heap.Push(&e.waiters, w)
	e.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-w.ready:
		return nil
	case <-expired:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-w.ready:
		// granted between the timer firing and taking the lock
		return nil
	default:
	}
	heap.Remove(&e.waiters, w.index)
	return ErrBusy
}

// enqueue parks a forwarded frame without blocking. run reports that the
// slot was free and the caller now holds it to transmit p itself.
func (e *egress) enqueue(p *pending, limit int) (run bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.busy {
		e.busy = true
		return true, nil
	}
	if e.queued >= limit {
		return false, ErrQueueFull
	}
	heap.Push(&e.waiters, &waiter{prio: p.pkt.ID.Priority, ticket: e.ticket, fwd: p})
	e.ticket++
	e.queued++
	return false, nil
}

// release hands the slot to the best waiter. When that waiter is a queued
// forward the slot stays held and the frame is returned for the caller to
// drain.
func (e *egress) release() *pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiters.Len() == 0 {
		e.busy = false
		return nil
	}
	w := heap.Pop(&e.waiters).(*waiter)
	if w.fwd != nil {
		e.queued--
		return w.fwd
	}
	close(w.ready)
	return nil
}

func (e *egress) record(err error) {
	e.mu.Lock()
	if err != nil {
		e.failed++
	} else {
		e.sent++
	}
	e.mu.Unlock()
}

func (e *egress) stats() InterfaceStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return InterfaceStats{
		Sent:    e.sent,
		Failed:  e.failed,
		Waiting: e.waiters.Len() - e.queued,
		Queued:  e.queued,
		Busy:    e.busy,
	}
}

// waiterHeap orders by priority value (lower is more urgent), then ticket.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].ticket < h[j].ticket
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
