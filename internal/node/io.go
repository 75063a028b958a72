package node

import (
	"time"

	"github.com/danmuck/cspnet/internal/protocol"
)

// Transaction connects to (dst, dport), sends out and, when inLen is not zero,
// waits for one reply packet. At most inLen reply bytes are returned; a
// negative inLen accepts any length. The connection is always closed.
func (n *Node) Transaction(prio protocol.Priority, dst, dport uint8, timeout time.Duration, out []byte, inLen int) ([]byte, error) {
	conn, err := n.Connect(prio, dst, dport)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SendPayload(out, timeout); err != nil {
		return nil, err
	}
	if inLen == 0 {
		return nil, nil
	}

	reply, err := conn.Read(timeout)
	if err != nil {
		return nil, err
	}
	defer n.release(reply)
	body := reply.Payload()
	if inLen > 0 && len(body) > inLen {
		body = body[:inLen]
	}
	return append([]byte(nil), body...), nil
}

// SendPayload copies b into a fresh packet and sends it as one BEGIN frame.
func (c *Conn) SendPayload(b []byte, timeout time.Duration) error {
	pkt, err := c.node.Allocate()
	if err != nil {
		return err
	}
	if err := pkt.SetPayload(b); err != nil {
		c.node.release(pkt)
		return err
	}
	if err := c.Send(pkt, timeout); err != nil {
		c.node.release(pkt)
		return err
	}
	return nil
}

// ReadPayload reads one packet, copies its payload and releases it.
func (c *Conn) ReadPayload(timeout time.Duration) ([]byte, protocol.Identifier, error) {
	pkt, err := c.Read(timeout)
	if err != nil {
		return nil, protocol.Identifier{}, err
	}
	defer c.node.release(pkt)
	return append([]byte(nil), pkt.Payload()...), pkt.ID, nil
}
