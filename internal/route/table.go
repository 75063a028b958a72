// Package route owns the static routing table and per-interface egress
// arbitration.
//
// Ownership boundary:
// - destination node -> (interface name, transmitter)
// - default (wildcard) route fallback
// - priority-then-FIFO ordering of transmitters waiting on one interface
// - a bounded per-interface queue for forwarded frames
package route

//go:generate mockgen -source=table.go -destination=mock_transmitter_test.go -package=route

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol"
)

// DefaultRoute is the wildcard node used when no specific entry matches.
const DefaultRoute uint8 = protocol.MaxNodes

// Transmit timeouts.
const (
	NoWait  time.Duration = 0
	Forever time.Duration = -1
)

// Forward queue defaults, per interface.
const (
	DefaultForwardQueue   = 16
	DefaultForwardTimeout = 250 * time.Millisecond
)

var (
	ErrNoRoute             = errors.New("route: no route to node")
	ErrInvalidNode         = errors.New("route: invalid node")
	ErrInterfaceRequired   = errors.New("route: interface name required")
	ErrTransmitterRequired = errors.New("route: transmitter required")
	ErrTransmitFailed      = errors.New("route: transmit failed")
	ErrTransmitTimeout     = errors.New("route: transmit timeout")
	ErrBusy                = errors.New("route: interface busy")
	ErrQueueFull           = errors.New("route: forward queue full")
)

// Transmitter sends one packet out of an interface. On success the
// transmitter owns pkt; on error ownership stays with the caller. A
// transmitter that runs out of time returns an error whose Timeout method
// reports true, the way net.Error does.
type Transmitter interface {
	Transmit(pkt *buffer.Packet, timeout time.Duration) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(pkt *buffer.Packet, timeout time.Duration) error

func (f TransmitFunc) Transmit(pkt *buffer.Packet, timeout time.Duration) error {
	return f(pkt, timeout)
}

// Entry is one installed route.
type Entry struct {
	Node      uint8  `json:"node"`
	Default   bool   `json:"default"`
	Interface string `json:"interface"`
}

// ForwardFunc receives the outcome of a queued forward. On error the callee
// owns the packet again.
type ForwardFunc func(name string, err error)

type entry struct {
	name   string
	tx     Transmitter
	direct bool
}

// Table maps destination nodes to interfaces. Lookups take a read lock only
// for the duration of an array index.
type Table struct {
	mu      sync.RWMutex
	entries [protocol.MaxNodes + 1]*entry
	egress  map[string]*egress

	fwdDepth   int
	fwdTimeout time.Duration
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		egress:     make(map[string]*egress),
		fwdDepth:   DefaultForwardQueue,
		fwdTimeout: DefaultForwardTimeout,
	}
}

// SetForwardQueue sizes the per-interface forward queue and the driver
// timeout each forwarded frame gets once it holds the interface.
func (t *Table) SetForwardQueue(depth int, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if depth > 0 {
		t.fwdDepth = depth
	}
	if timeout > 0 {
		t.fwdTimeout = timeout
	}
}

// SetRoute installs or overwrites the route for node (or DefaultRoute).
func (t *Table) SetRoute(name string, node uint8, tx Transmitter) error {
	return t.setRoute(name, node, tx, false)
}

// SetDirectRoute installs a route whose transmitter completes synchronously
// without touching a medium, such as loopback. Its transmits skip egress
// arbitration, so a transmitter may re-enter the table.
func (t *Table) SetDirectRoute(name string, node uint8, tx Transmitter) error {
	return t.setRoute(name, node, tx, true)
}

func (t *Table) setRoute(name string, node uint8, tx Transmitter, direct bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInterfaceRequired
	}
	if tx == nil {
		return ErrTransmitterRequired
	}
	if node > DefaultRoute {
		return fmt.Errorf("%w: %d", ErrInvalidNode, node)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[node] = &entry{name: name, tx: tx, direct: direct}
	if _, ok := t.egress[name]; !ok {
		t.egress[name] = newEgress()
	}
	return nil
}

// Lookup resolves node to an interface, falling back to the default route.
func (t *Table) Lookup(node uint8) (string, Transmitter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.lookup(node)
	if e == nil {
		return "", nil, false
	}
	return e.name, e.tx, true
}

func (t *Table) lookup(node uint8) *entry {
	if node < DefaultRoute {
		if e := t.entries[node]; e != nil {
			return e
		}
	}
	return t.entries[DefaultRoute]
}

// Transmit sends pkt toward pkt.ID.Dst. Transmitters waiting on the same
// interface are served by priority, then arrival order. The returned name is
// the interface chosen, empty when no route exists.
func (t *Table) Transmit(pkt *buffer.Packet, timeout time.Duration) (string, error) {
	t.mu.RLock()
	e := t.lookup(pkt.ID.Dst)
	var eg *egress
	if e != nil {
		eg = t.egress[e.name]
	}
	t.mu.RUnlock()
	if e == nil {
		return "", fmt.Errorf("%w: %d", ErrNoRoute, pkt.ID.Dst)
	}

	if e.direct {
		err := e.tx.Transmit(pkt, timeout)
		eg.record(err)
		return e.name, transmitErr(e.name, err)
	}

	start := time.Now()
	if err := eg.acquire(pkt.ID.Priority, timeout); err != nil {
		return e.name, err
	}
	defer func() {
		if next := eg.release(); next != nil {
			go t.drain(eg, next)
		}
	}()

	err := e.tx.Transmit(pkt, remaining(timeout, start))
	eg.record(err)
	return e.name, transmitErr(e.name, err)
}

// Forward queues pkt toward pkt.ID.Dst without blocking. Queued frames are
// served in the same priority-then-FIFO order as blocked senders. On nil the
// table owns pkt until done runs; on error the caller keeps it. done may run
// on another goroutine, or before Forward returns for a direct route.
func (t *Table) Forward(pkt *buffer.Packet, done ForwardFunc) (string, error) {
	t.mu.RLock()
	e := t.lookup(pkt.ID.Dst)
	var eg *egress
	if e != nil {
		eg = t.egress[e.name]
	}
	depth := t.fwdDepth
	t.mu.RUnlock()
	if e == nil {
		return "", fmt.Errorf("%w: %d", ErrNoRoute, pkt.ID.Dst)
	}

	p := &pending{name: e.name, tx: e.tx, pkt: pkt, done: done}
	if e.direct {
		err := e.tx.Transmit(pkt, NoWait)
		eg.record(err)
		done(e.name, transmitErr(e.name, err))
		return e.name, nil
	}
	run, err := eg.enqueue(p, depth)
	if err != nil {
		return e.name, fmt.Errorf("%s: %w", e.name, err)
	}
	if run {
		go t.drain(eg, p)
	}
	return e.name, nil
}

// drain transmits queued forwards while it holds eg's slot.
func (t *Table) drain(eg *egress, p *pending) {
	t.mu.RLock()
	timeout := t.fwdTimeout
	t.mu.RUnlock()
	for p != nil {
		err := p.tx.Transmit(p.pkt, timeout)
		eg.record(err)
		p.done(p.name, transmitErr(p.name, err))
		p = eg.release()
	}
}

func transmitErr(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return fmt.Errorf("%w: %s: %w", ErrTransmitTimeout, name, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrTransmitFailed, name, err)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Routes returns the installed routes ordered by node, default last.
func (t *Table) Routes() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for node, e := range t.entries {
		if e == nil {
			continue
		}
		out = append(out, Entry{
			Node:      uint8(node),
			Default:   uint8(node) == DefaultRoute,
			Interface: e.name,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// InterfaceStats is a point-in-time view of one interface's egress.
type InterfaceStats struct {
	Name    string `json:"name"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Waiting int    `json:"waiting"`
	Queued  int    `json:"queued"`
	Busy    bool   `json:"busy"`
}

// Interfaces returns egress stats for every routed interface ordered by name.
func (t *Table) Interfaces() []InterfaceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]InterfaceStats, 0, len(t.egress))
	for name, eg := range t.egress {
		s := eg.stats()
		s.Name = name
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func remaining(timeout time.Duration, start time.Time) time.Duration {
	if timeout <= 0 {
		return timeout
	}
	left := timeout - time.Since(start)
	if left <= 0 {
		// the slot was won in time; give the driver a no-wait attempt
		return 0
	}
	return left
}
