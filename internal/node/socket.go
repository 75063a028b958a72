package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/queue"
)

// Socket is a listening endpoint with a bounded accept queue.
type Socket struct {
	node *Node
	port uint8

	mu     sync.Mutex
	accept *queue.Queue[*Conn]
	closed bool
}

func (s *Socket) Port() uint8 { return s.port }

// Listen sets the accept queue capacity. It can be called once.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBacklog, backlog)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.accept != nil {
		return fmt.Errorf("%w: socket on port %d already listening", ErrInvalidBacklog, s.port)
	}
	s.accept = queue.New[*Conn](backlog)
	return nil
}

// Accept waits for a new connection. Connections closed while queued (for
// example by the idle reaper) are skipped.
func (s *Socket) Accept(timeout time.Duration) (*Conn, error) {
	s.mu.Lock()
	q := s.accept
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if q == nil {
		return nil, ErrNotListening
	}

	start := time.Now()
	wait := timeout
	for {
		c, err := q.Pop(wait)
		if err != nil {
			return nil, mapQueueErr(err)
		}
		if c.State() != StateClosed {
			return c, nil
		}
		if timeout > 0 {
			if wait = timeout - time.Since(start); wait <= 0 {
				wait = NoWait
			}
		}
	}
}

// Close unbinds the port, wakes blocked acceptors and closes connections that
// were never accepted.
func (s *Socket) Close() error {
	s.node.mu.Lock()
	if s.port <= MaxBindPort && s.node.ports[s.port].socket == s {
		s.node.ports[s.port] = binding{}
	}
	s.node.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *Socket) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	q := s.accept
	s.mu.Unlock()
	if q == nil {
		return
	}
	for _, c := range q.Close() {
		_ = c.Close()
	}
}

// offer pushes a new connection onto the accept queue without blocking.
func (s *Socket) offer(c *Conn) (bool, error) {
	s.mu.Lock()
	q := s.accept
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if q == nil {
		return false, ErrNotListening
	}
	return q.TryPush(c)
}

func (s *Socket) backlog() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accept == nil {
		return 0, 0
	}
	return s.accept.Cap(), s.accept.Len()
}

func mapQueueErr(err error) error {
	switch {
	case errors.Is(err, queue.ErrTimeout), errors.Is(err, queue.ErrEmpty):
		return ErrTimeout
	case errors.Is(err, queue.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}
