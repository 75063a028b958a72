package node

import (
	"fmt"

	"github.com/danmuck/cspnet/internal/protocol"
)

// MaxBindPort is the highest port an application can bind. Ports above it are
// ephemeral and only used as the local side of outgoing connections.
const MaxBindPort = protocol.PortAny

// Callback handles a new connection on the receiving goroutine. It must not
// block; long work belongs on another goroutine that owns the connection. A
// short reply with Send is fine, including over loopback.
type Callback func(c *Conn)

// BindSocket reserves port for a listening socket. Call Listen on the result
// before connections can be accepted.
func (n *Node) BindSocket(port uint8) (*Socket, error) {
	s := &Socket{node: n, port: port}
	if err := n.bind(port, binding{socket: s}); err != nil {
		return nil, err
	}
	return s, nil
}

// BindCallback routes every new connection on port to fn.
func (n *Node) BindCallback(port uint8, fn Callback) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback for port %d", ErrInvalidPort, port)
	}
	return n.bind(port, binding{callback: fn})
}

// Unbind frees port. Connections already created on it stay open.
func (n *Node) Unbind(port uint8) {
	if port > MaxBindPort {
		return
	}
	n.mu.Lock()
	n.ports[port] = binding{}
	n.mu.Unlock()
}

func (n *Node) bind(port uint8, b binding) error {
	if port > MaxBindPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if cur := n.ports[port]; cur.socket != nil || cur.callback != nil {
		return fmt.Errorf("%w: %d", ErrBindingConflict, port)
	}
	n.ports[port] = b
	n.log.Debug().Uint8("port", port).Bool("callback", b.callback != nil).Msg("node.bind")
	return nil
}

// lookupBinding resolves port, falling back to the PortAny binding for ports
// below the ephemeral range. Caller holds n.mu.
func (n *Node) lookupBinding(port uint8) (binding, bool) {
	if port > MaxBindPort {
		return binding{}, false
	}
	if b := n.ports[port]; b.socket != nil || b.callback != nil {
		return b, true
	}
	if first, _ := n.ephemeralRange(); port >= first {
		return binding{}, false
	}
	if b := n.ports[protocol.PortAny]; b.socket != nil || b.callback != nil {
		return b, true
	}
	return binding{}, false
}

// Binding describes one bound port.
type Binding struct {
	Port      uint8  `json:"port"`
	Kind      string `json:"kind"`
	Listening bool   `json:"listening"`
	Backlog   int    `json:"backlog"`
	Pending   int    `json:"pending"`
}

// Bindings returns every bound port in ascending order.
func (n *Node) Bindings() []Binding {
	n.mu.Lock()
	ports := n.ports
	n.mu.Unlock()

	var out []Binding
	for port, b := range ports {
		switch {
		case b.callback != nil:
			out = append(out, Binding{Port: uint8(port), Kind: "callback"})
		case b.socket != nil:
			backlog, pending := b.socket.backlog()
			out = append(out, Binding{
				Port:      uint8(port),
				Kind:      "socket",
				Listening: backlog > 0,
				Backlog:   backlog,
				Pending:   pending,
			})
		}
	}
	return out
}
