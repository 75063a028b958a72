package iface

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol/frame"
)

const KindMemory = "memory"

// Memory is one end of an in-process link. Frames are marshaled exactly as
// they would be on a datagram medium, so the memory link exercises the same
// codec paths as UDP.
type Memory struct {
	link
	inbox chan []byte
	peer  *Memory

	mu      sync.Mutex
	started bool
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewMemoryPair returns two connected memory links. a delivers into rxA and
// b delivers into rxB; a frame transmitted on a arrives at b.
func NewMemoryPair(nameA string, rxA Receiver, nameB string, rxB Receiver, cfg Config) (*Memory, *Memory, error) {
	a, err := newMemory(nameA, rxA, cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := newMemory(nameB, rxB, cfg)
	if err != nil {
		return nil, nil, err
	}
	a.peer, b.peer = b, a
	return a, b, nil
}

func newMemory(name string, rx Receiver, cfg Config) (*Memory, error) {
	l, err := newLink(name, KindMemory, cfg, rx)
	if err != nil {
		return nil, err
	}
	return &Memory{
		link:  l,
		inbox: make(chan []byte, l.cfg.QueueDepth),
		done:  make(chan struct{}),
	}, nil
}

func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.started = true
	m.wg.Add(1)
	go m.readLoop(ctx)
	m.log.Debug().Msg("iface.start")
	return nil
}

func (m *Memory) readLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case b := <-m.inbox:
			f, err := frame.Unmarshal(m.codec, b, m.cfg.Limits)
			if err != nil {
				m.rxError(err)
				continue
			}
			m.receive(f, len(b))
		}
	}
}

// Transmit hands a copy of the framed packet to the peer's inbox. A full
// inbox waits up to timeout.
func (m *Memory) Transmit(pkt *buffer.Packet, timeout time.Duration) error {
	if m.peer == nil {
		return ErrNotConnected
	}
	if m.closed() || m.peer.closed() {
		return ErrClosed
	}
	b, err := m.encode(pkt)
	if err != nil {
		return err
	}

	select {
	case m.peer.inbox <- b:
		m.sent(pkt, len(b))
		return nil
	default:
	}
	if timeout == 0 {
		m.counts.txErrors.Add(1)
		return ErrTimeout
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case m.peer.inbox <- b:
		m.sent(pkt, len(b))
		return nil
	case <-expire:
		m.counts.txErrors.Add(1)
		return ErrTimeout
	case <-m.peer.done:
		m.counts.txErrors.Add(1)
		return ErrClosed
	case <-m.done:
		m.counts.txErrors.Add(1)
		return ErrClosed
	}
}

func (m *Memory) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Close stops the receive loop. Frames still in the inbox are discarded.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

func (m *Memory) Stats() Stats {
	connected := m.peer != nil && !m.closed() && !m.peer.closed()
	return m.counts.snapshot(m.name, m.kind, connected)
}
