package node

import (
	"errors"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/route"
)

// Ingress is called by an interface driver for every frame it receives. It
// takes ownership of pkt unconditionally and never blocks: the packet is
// delivered to a local connection, forwarded, or dropped and released.
// pkt.RawID and pkt.Length must be filled; pkt.ID is decoded here.
//
// The result reports that a reader or acceptor blocked on this node became
// runnable, so a driver batching frames can yield after the batch instead of
// after each frame.
func (n *Node) Ingress(pkt *buffer.Packet, iface string) bool {
	if pkt == nil {
		return false
	}
	observability.RecordIngress(n.name, iface)

	codec := n.cfg.Codec
	id, err := codec.Decode(pkt.RawID[:codec.Size()])
	if err != nil || int(pkt.Length) > pkt.Capacity() {
		n.drop(pkt, iface, observability.DropFormat)
		return false
	}
	pkt.ID = id
	n.emit(EventIngress, iface, pkt, "")

	if id.Dst != n.cfg.Address {
		n.forward(pkt, iface)
		return false
	}
	return n.dispatchLocal(pkt, iface)
}

func (n *Node) dispatchLocal(pkt *buffer.Packet, iface string) bool {
	id := pkt.ID
	key := connKey{peer: id.Src, peerPort: id.SPort, localPort: id.DPort}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.drop(pkt, iface, observability.DropClosed)
		return false
	}
	if c := n.conns[key]; c != nil {
		n.mu.Unlock()
		return c.deliver(pkt, iface)
	}
	if id.Type == protocol.FrameError {
		// a fault for a connection that no longer exists
		n.mu.Unlock()
		n.drop(pkt, iface, observability.DropNoBinding)
		return false
	}
	b, ok := n.lookupBinding(id.DPort)
	if !ok {
		n.mu.Unlock()
		n.drop(pkt, iface, observability.DropNoBinding)
		return false
	}
	if len(n.conns) >= n.cfg.MaxConnections {
		n.mu.Unlock()
		n.drop(pkt, iface, observability.DropConnLimit)
		return false
	}
	c := newConn(n, key, id.Priority, true)
	c.state = StateOpen
	n.conns[key] = c
	count := len(n.conns)
	n.mu.Unlock()
	observability.SetOpenConnections(n.name, count)

	woken := c.deliver(pkt, iface)
	if b.callback != nil {
		b.callback(c)
		return woken
	}

	accepted, err := b.socket.offer(c)
	if err != nil {
		reason := observability.DropBacklog
		if errors.Is(err, ErrNotListening) || errors.Is(err, ErrClosed) {
			reason = observability.DropNoBinding
		}
		n.log.Debug().
			Err(err).
			Uint8("port", id.DPort).
			Uint8("src", id.Src).
			Str("reason", reason).
			Msg("node.ingress reject connection")
		observability.RecordDrop(n.name, reason)
		_ = c.Close()
		return false
	}
	return woken || accepted
}

// forward queues pkt on the egress of its next hop. Only a missing route or a
// full forward queue drops it here; the driver outcome arrives later.
func (n *Node) forward(pkt *buffer.Packet, iface string) {
	name, _, ok := n.routes.Lookup(pkt.ID.Dst)
	if !ok {
		n.drop(pkt, iface, observability.DropNoRoute)
		return
	}
	if name == iface {
		// never send a frame back out of the link it came in on
		n.drop(pkt, iface, observability.DropNoRoute)
		return
	}
	id, length := pkt.ID, int(pkt.Length)
	start := time.Now()
	_, err := n.routes.Forward(pkt, func(name string, err error) {
		observability.RecordTransmit(n.name, name, time.Since(start), err == nil)
		if err != nil {
			n.log.Debug().Err(err).Str("iface", name).Uint8("dst", id.Dst).Msg("node.forward failed")
			n.drop(pkt, iface, observability.DropForward)
			return
		}
		observability.RecordForwarded(n.name, name)
		n.observe(EventForward, name, id, length, "")
	})
	if err != nil {
		reason := observability.DropForward
		if errors.Is(err, route.ErrQueueFull) {
			reason = observability.DropQueueFull
		}
		n.drop(pkt, iface, reason)
	}
}

// transmit hands a locally originated packet to the route table.
func (n *Node) transmit(pkt *buffer.Packet, timeout time.Duration) error {
	if n.isClosed() {
		return ErrClosed
	}
	n.emit(EventSend, "", pkt, "")
	start := time.Now()
	name, err := n.routes.Transmit(pkt, timeout)
	if name != "" && name != LoopbackInterface {
		observability.RecordTransmit(n.name, name, time.Since(start), err == nil)
	}
	if err != nil {
		n.log.Debug().
			Err(err).
			Uint8("dst", pkt.ID.Dst).
			Uint8("dport", pkt.ID.DPort).
			Str("iface", name).
			Msg("node.send failed")
		return mapRouteErr(err)
	}
	return nil
}

// loopback is the transmitter behind LoopbackInterface. It is a direct route,
// so a callback may reply on loopback from inside the delivery.
func (n *Node) loopback(pkt *buffer.Packet, _ time.Duration) error {
	n.Ingress(pkt, LoopbackInterface)
	return nil
}

func (n *Node) drop(pkt *buffer.Packet, iface, reason string) {
	n.log.Debug().
		Str("iface", iface).
		Uint8("src", pkt.ID.Src).
		Uint8("dst", pkt.ID.Dst).
		Uint8("dport", pkt.ID.DPort).
		Uint8("seq", pkt.ID.Seq).
		Str("reason", reason).
		Msg("node.ingress drop")
	observability.RecordDrop(n.name, reason)
	n.emit(EventDrop, iface, pkt, reason)
	n.release(pkt)
}
