package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/queue"
	"github.com/danmuck/cspnet/internal/route"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

// StateRequested only exists while Connect or ingress is registering the
// connection under the node lock; callers always see Open or Closed.
const (
	StateRequested ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is one (peer node, peer port, local port) conversation. The receive
// queue has a single producer, the node's ingress path, and is normally
// drained by one reader.
type Conn struct {
	node    *Node
	id      xid.ID
	key     connKey
	prio    protocol.Priority
	passive bool
	created time.Time
	rx      *queue.Queue[*buffer.Packet]

	mu      sync.Mutex
	state   ConnState
	txSeq   uint8
	rxSeq   uint8
	haveRx  bool
	fault   error
	lastUse atomic.Int64
}

func newConn(n *Node, key connKey, prio protocol.Priority, passive bool) *Conn {
	now := time.Now()
	c := &Conn{
		node:    n,
		id:      xid.New(),
		key:     key,
		prio:    prio,
		passive: passive,
		created: now,
		rx:      queue.New[*buffer.Packet](n.cfg.ConnQueueLength),
		state:   StateRequested,
	}
	c.lastUse.Store(now.UnixNano())
	return c
}

// Connect opens an active connection to (dst, dport). No packets are
// exchanged; the connection is a local binding of an ephemeral port.
func (n *Node) Connect(prio protocol.Priority, dst, dport uint8) (*Conn, error) {
	if err := protocol.ValidateNode(dst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRouteFailure, err)
	}
	if err := protocol.ValidatePort(dport); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPort, err)
	}
	if dport > n.cfg.Codec.MaxPort() {
		return nil, fmt.Errorf("%w: %d does not fit a %s identifier", ErrInvalidPort, dport, n.cfg.Codec.Mode)
	}
	if prio > protocol.PrioDebug {
		return nil, fmt.Errorf("%w: %d", protocol.ErrPrioOutOfRange, prio)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if len(n.conns) >= n.cfg.MaxConnections {
		n.mu.Unlock()
		return nil, ErrConnLimit
	}
	sport, err := n.ephemeralPort()
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	c := newConn(n, connKey{peer: dst, peerPort: dport, localPort: sport}, prio, false)
	n.conns[c.key] = c
	count := len(n.conns)
	c.state = StateOpen
	n.mu.Unlock()

	observability.SetOpenConnections(n.name, count)
	n.log.Debug().
		Str("conn", c.id.String()).
		Uint8("dst", dst).
		Uint8("dport", dport).
		Uint8("sport", sport).
		Msg("node.connect")
	return c, nil
}

func (c *Conn) ID() string { return c.id.String() }

func (c *Conn) Peer() uint8 { return c.key.peer }

func (c *Conn) PeerPort() uint8 { return c.key.peerPort }

func (c *Conn) LocalPort() uint8 { return c.key.localPort }

func (c *Conn) Priority() protocol.Priority { return c.prio }

// Passive reports whether the connection was created by an inbound packet.
func (c *Conn) Passive() bool { return c.passive }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Read returns the next packet in sequence order. The caller owns the
// returned packet. After an ERROR frame from the peer, queued packets are
// still returned and then ErrPeerFault.
func (c *Conn) Read(timeout time.Duration) (*buffer.Packet, error) {
	pkt, err := c.rx.Pop(timeout)
	if err != nil {
		err = mapQueueErr(err)
		if errors.Is(err, ErrClosed) {
			return nil, c.closeErr()
		}
		return nil, err
	}
	c.touch()
	return pkt, nil
}

// Send transmits pkt as a BEGIN frame. On success the stack owns pkt; on
// error the caller keeps it.
func (c *Conn) Send(pkt *buffer.Packet, timeout time.Duration) error {
	return c.send(pkt, protocol.FrameBegin, timeout)
}

// SendMore transmits pkt as a continuation of the message in progress.
func (c *Conn) SendMore(pkt *buffer.Packet, timeout time.Duration) error {
	return c.send(pkt, protocol.FrameMore, timeout)
}

// SendAck transmits pkt as an ACK frame.
func (c *Conn) SendAck(pkt *buffer.Packet, timeout time.Duration) error {
	return c.send(pkt, protocol.FrameAck, timeout)
}

// SendError reports a fault to the peer, whose connection closes with
// ErrPeerFault. pkt may carry a diagnostic payload.
func (c *Conn) SendError(pkt *buffer.Packet, timeout time.Duration) error {
	return c.send(pkt, protocol.FrameError, timeout)
}

// SendMessage copies payload into as many packets as needed, the first as
// BEGIN and the rest as MORE. It stops at the first failure; packets already
// sent are not recalled.
func (c *Conn) SendMessage(payload []byte, timeout time.Duration) error {
	mtu := c.node.MTU()
	typ := protocol.FrameBegin
	for first := true; first || len(payload) > 0; first = false {
		n := min(len(payload), mtu)
		pkt, err := c.node.Allocate()
		if err != nil {
			return err
		}
		if err := pkt.SetPayload(payload[:n]); err != nil {
			c.node.release(pkt)
			return err
		}
		if err := c.send(pkt, typ, timeout); err != nil {
			c.node.release(pkt)
			return err
		}
		payload = payload[n:]
		typ = protocol.FrameMore
	}
	return nil
}

func (c *Conn) send(pkt *buffer.Packet, typ protocol.FrameType, timeout time.Duration) error {
	if pkt == nil {
		return fmt.Errorf("%w: nil packet", ErrFormat)
	}
	if int(pkt.Length) > pkt.Capacity() {
		return fmt.Errorf("%w: length %d exceeds %d", ErrFormat, pkt.Length, pkt.Capacity())
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.fault != nil {
		c.mu.Unlock()
		return c.fault
	}
	id := protocol.Identifier{
		Priority: c.prio,
		Src:      c.node.cfg.Address,
		Dst:      c.key.peer,
		DPort:    c.key.peerPort,
		SPort:    c.key.localPort,
		Type:     typ,
		Seq:      c.txSeq,
	}
	c.txSeq = protocol.NextSeq(c.txSeq)
	c.mu.Unlock()

	codec := c.node.cfg.Codec
	pkt.ID = codec.Truncate(id)
	if err := codec.EncodeTo(pkt.RawID[:codec.Size()], id); err != nil {
		return err
	}
	c.touch()
	return c.node.transmit(pkt, timeout)
}

// Close releases queued packets, wakes blocked readers with ErrClosed and
// removes the connection from the node. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	for _, pkt := range c.rx.Close() {
		c.node.release(pkt)
	}
	c.node.unregisterConn(c)
	c.node.log.Debug().Str("conn", c.id.String()).Msg("node.conn close")
	return nil
}

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fault != nil {
		return c.fault
	}
	return ErrClosed
}

func (c *Conn) touch() {
	c.lastUse.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastUse.Load()))
}

// deliver queues pkt for the reader, taking ownership. It reports whether a
// blocked reader was woken.
func (c *Conn) deliver(pkt *buffer.Packet, iface string) bool {
	n := c.node
	c.mu.Lock()
	if c.state == StateClosed || c.fault != nil {
		c.mu.Unlock()
		n.drop(pkt, iface, observability.DropClosed)
		return false
	}
	if n.cfg.Codec.Mode == protocol.ModeExtended && c.haveRx && !protocol.SeqNewer(pkt.ID.Seq, c.rxSeq) {
		c.mu.Unlock()
		n.drop(pkt, iface, observability.DropDuplicate)
		return false
	}
	if pkt.ID.Type == protocol.FrameError {
		c.fault = ErrPeerFault
		c.rxSeq, c.haveRx = pkt.ID.Seq, true
		c.mu.Unlock()
		n.log.Debug().Str("conn", c.id.String()).Msg("node.conn peer fault")
		n.emit(EventDeliver, iface, pkt, "peer_fault")
		n.release(pkt)
		woken := c.rx.Waiting() > 0
		c.rx.Shutdown()
		return woken
	}

	id, length := pkt.ID, int(pkt.Length)
	woken, err := c.rx.TryPush(pkt)
	if err != nil {
		c.mu.Unlock()
		reason := observability.DropQueueFull
		if errors.Is(err, queue.ErrClosed) {
			reason = observability.DropClosed
		}
		n.drop(pkt, iface, reason)
		return false
	}
	c.rxSeq, c.haveRx = id.Seq, true
	c.mu.Unlock()

	c.touch()
	observability.RecordDelivered(n.name, c.key.localPort)
	n.observe(EventDeliver, iface, id, length, "")
	return woken
}

// ConnInfo is a point-in-time view of a connection.
type ConnInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Passive   bool      `json:"passive"`
	Peer      uint8     `json:"peer"`
	PeerPort  uint8     `json:"peer_port"`
	LocalPort uint8     `json:"local_port"`
	Priority  string    `json:"priority"`
	Queued    int       `json:"queued"`
	Created   time.Time `json:"created"`
	LastUse   time.Time `json:"last_use"`
}

func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:        c.id.String(),
		State:     c.State().String(),
		Passive:   c.passive,
		Peer:      c.key.peer,
		PeerPort:  c.key.peerPort,
		LocalPort: c.key.localPort,
		Priority:  c.prio.String(),
		Queued:    c.rx.Len(),
		Created:   c.created,
		LastUse:   time.Unix(0, c.lastUse.Load()),
	}
}

func sortConnInfo(infos []ConnInfo) {
	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.LocalPort != b.LocalPort {
			return a.LocalPort < b.LocalPort
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.PeerPort < b.PeerPort
	})
}

// mapRouteErr keeps a missed deadline (wait longer) apart from a broken path
// (fix routing).
func mapRouteErr(err error) error {
	switch {
	case errors.Is(err, route.ErrTransmitTimeout), errors.Is(err, route.ErrBusy):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, route.ErrNoRoute), errors.Is(err, route.ErrTransmitFailed):
		return fmt.Errorf("%w: %w", ErrRouteFailure, err)
	default:
		return err
	}
}
