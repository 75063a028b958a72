package node

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/queue"
	"github.com/danmuck/cspnet/internal/route"
)

// Timeouts accepted by Accept, Read and Send.
const (
	NoWait      = queue.NoWait
	WaitForever = queue.Forever
)

// LoopbackInterface is the route name installed for the node's own address.
const LoopbackInterface = "LOOP"

// StandardEphemeralFirst is the lowest local port Connect hands out when the
// codec uses 16-bit identifiers.
const StandardEphemeralFirst uint8 = 8

// Config is the initialization-scoped state of one node.
type Config struct {
	Name            string
	Address         uint8
	BufferCount     int
	BufferSize      int
	Codec           protocol.Codec
	ConnQueueLength int
	MaxConnections  int
	ConnIdleTimeout time.Duration
	Observer        Observer
}

func DefaultConfig() Config {
	return Config{
		Address:         1,
		BufferCount:     32,
		BufferSize:      256,
		Codec:           protocol.DefaultCodec(),
		ConnQueueLength: 16,
		MaxConnections:  32,
	}
}

// Validate reports configuration the engine cannot run with.
func (c Config) Validate() error {
	if err := protocol.ValidateNode(c.Address); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Codec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ConnQueueLength <= 0 {
		return fmt.Errorf("%w: conn queue length must be > 0", ErrInvalidConfig)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be > 0", ErrInvalidConfig)
	}
	if c.ConnIdleTimeout < 0 {
		return fmt.Errorf("%w: conn idle timeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type binding struct {
	socket   *Socket
	callback Callback
}

type connKey struct {
	peer      uint8
	peerPort  uint8
	localPort uint8
}

// Node is one protocol endpoint.
type Node struct {
	cfg    Config
	name   string
	pool   *buffer.Pool
	routes *route.Table
	log    zerolog.Logger

	mu     sync.Mutex
	ports  [protocol.MaxPort + 1]binding
	conns  map[connKey]*Conn
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a node, its buffer pool and route table, and installs the
// loopback route for cfg.Address.
func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := buffer.NewPool(cfg.BufferCount, cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("node-%d", cfg.Address)
	}
	n := &Node{
		cfg:    cfg,
		name:   name,
		pool:   pool,
		routes: route.NewTable(),
		log:    log.With().Str("component", "node").Uint8("addr", cfg.Address).Logger(),
		conns:  make(map[connKey]*Conn),
		stop:   make(chan struct{}),
	}
	if err := n.routes.SetDirectRoute(LoopbackInterface, cfg.Address, route.TransmitFunc(n.loopback)); err != nil {
		return nil, err
	}
	if cfg.ConnIdleTimeout > 0 {
		n.wg.Add(1)
		go n.reapIdle(cfg.ConnIdleTimeout)
	}
	observability.SetFreeBuffers(name, pool.Free())
	n.log.Info().
		Int("buffers", cfg.BufferCount).
		Int("buffer_size", cfg.BufferSize).
		Str("id_mode", cfg.Codec.Mode.String()).
		Str("id_order", cfg.Codec.Order.String()).
		Msg("node.new")
	return n, nil
}

func (n *Node) Address() uint8 { return n.cfg.Address }

func (n *Node) Name() string { return n.name }

func (n *Node) Codec() protocol.Codec { return n.cfg.Codec }

func (n *Node) Pool() *buffer.Pool { return n.pool }

func (n *Node) Routes() *route.Table { return n.routes }

// MTU is the largest payload one packet carries.
func (n *Node) MTU() int { return n.pool.Size() }

func (n *Node) SetRoute(iface string, node uint8, tx route.Transmitter) error {
	return n.routes.SetRoute(iface, node, tx)
}

// Allocate takes a packet from the node's pool. It never blocks.
func (n *Node) Allocate() (*buffer.Packet, error) {
	pkt, err := n.pool.Allocate()
	if err != nil {
		observability.RecordDrop(n.name, observability.DropExhausted)
		return nil, err
	}
	return pkt, nil
}

func (n *Node) release(pkt *buffer.Packet) {
	if err := pkt.Release(); err != nil {
		n.log.Warn().Err(err).Msg("node.release")
	}
}

// Close closes every connection and socket and stops the idle reaper.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	var sockets []*Socket
	for i := range n.ports {
		if s := n.ports[i].socket; s != nil {
			sockets = append(sockets, s)
		}
		n.ports[i] = binding{}
	}
	n.mu.Unlock()

	close(n.stop)
	for _, s := range sockets {
		s.shutdown()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	n.wg.Wait()
	n.log.Info().Msg("node.close")
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Node) emit(kind EventKind, iface string, pkt *buffer.Packet, reason string) {
	n.observe(kind, iface, pkt.ID, int(pkt.Length), reason)
}

// observe is used when the packet may already belong to someone else.
func (n *Node) observe(kind EventKind, iface string, id protocol.Identifier, length int, reason string) {
	if n.cfg.Observer == nil {
		return
	}
	n.cfg.Observer(Event{
		At:     time.Now(),
		Node:   n.cfg.Address,
		Kind:   kind,
		Iface:  iface,
		ID:     id,
		Length: length,
		Reason: reason,
	})
}

// ephemeralPort picks an unused local port from the range the codec can carry,
// starting at a random offset. Bound ports and ports held by any connection
// are skipped. Caller holds n.mu.
func (n *Node) ephemeralPort() (uint8, error) {
	first, last := n.ephemeralRange()
	span := int(last - first + 1)
	used := make(map[uint8]bool, len(n.conns))
	for k := range n.conns {
		used[k.localPort] = true
	}
	offset := rand.IntN(span)
	for i := 0; i < span; i++ {
		p := first + uint8((offset+i)%span)
		if used[p] {
			continue
		}
		if p <= MaxBindPort {
			if b := n.ports[p]; b.socket != nil || b.callback != nil {
				continue
			}
		}
		return p, nil
	}
	return 0, ErrNoPortAvailable
}

// ephemeralRange is 17..31 for extended identifiers. Standard identifiers
// carry 4-bit ports, so active connections take the upper half of 0..15.
func (n *Node) ephemeralRange() (uint8, uint8) {
	if n.cfg.Codec.Mode == protocol.ModeStandard {
		return StandardEphemeralFirst, n.cfg.Codec.MaxPort()
	}
	return protocol.PortAny + 1, protocol.MaxPort
}

func (n *Node) unregisterConn(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.conns[c.key]; ok && cur == c {
		delete(n.conns, c.key)
	}
	observability.SetOpenConnections(n.name, len(n.conns))
}

// Connections returns a snapshot of every registered connection.
func (n *Node) Connections() []ConnInfo {
	n.mu.Lock()
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sortConnInfo(out)
	return out
}
