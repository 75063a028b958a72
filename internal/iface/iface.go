// Package iface holds the link drivers that move frames between nodes.
//
// Ownership boundary:
// - framing packets onto a medium (memory, UDP, TCP, serial)
// - receive goroutines that hand decoded frames to a node's Ingress
// - reconnect and backoff for stream links
//
// A driver is a route.Transmitter. Transmit takes ownership of the packet
// only when it returns nil. Received frames are copied into a packet from the
// receiving node's pool, so every node keeps its own arena.
package iface

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/protocol/frame"
	"github.com/danmuck/cspnet/internal/route"
)

var (
	ErrNameRequired    = errors.New("iface: name required")
	ErrAddressRequired = errors.New("iface: address required")
	ErrNotConnected    = errors.New("iface: not connected")
	ErrClosed          = errors.New("iface: closed")
	ErrUnknownKind     = errors.New("iface: unknown interface kind")

	// ErrTimeout reports Timeout() == true so the route table can tell a
	// congested link from a broken one.
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string { return "iface: transmit timeout" }

func (timeoutError) Timeout() bool { return true }

// Receiver is the engine side of a link.
type Receiver interface {
	Ingress(pkt *buffer.Packet, iface string) bool
	Allocate() (*buffer.Packet, error)
	Codec() protocol.Codec
	Name() string
}

// Interface is a named link that can be routed to.
type Interface interface {
	route.Transmitter
	Name() string
	Kind() string
	// Start launches the receive side. The link stops when ctx ends or on
	// Close.
	Start(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Stats is a point-in-time view of a link's counters.
type Stats struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	TxFrames  uint64 `json:"tx_frames"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxErrors  uint64 `json:"tx_errors"`
	RxFrames  uint64 `json:"rx_frames"`
	RxBytes   uint64 `json:"rx_bytes"`
	RxErrors  uint64 `json:"rx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	Connected bool   `json:"connected"`
}

type counters struct {
	txFrames, txBytes, txErrors           atomic.Uint64
	rxFrames, rxBytes, rxErrors, rxDropped atomic.Uint64
}

func (c *counters) snapshot(name, kind string, connected bool) Stats {
	return Stats{
		Name:      name,
		Kind:      kind,
		TxFrames:  c.txFrames.Load(),
		TxBytes:   c.txBytes.Load(),
		TxErrors:  c.txErrors.Load(),
		RxFrames:  c.rxFrames.Load(),
		RxBytes:   c.rxBytes.Load(),
		RxErrors:  c.rxErrors.Load(),
		RxDropped: c.rxDropped.Load(),
		Connected: connected,
	}
}

// link is the state every driver shares.
type link struct {
	name   string
	kind   string
	cfg    Config
	rx     Receiver
	codec  protocol.Codec
	log    zerolog.Logger
	counts counters
}

func newLink(name, kind string, cfg Config, rx Receiver) (link, error) {
	if name == "" {
		return link{}, ErrNameRequired
	}
	if rx == nil {
		return link{}, fmt.Errorf("iface: %s: receiver required", name)
	}
	return link{
		name:  name,
		kind:  kind,
		cfg:   cfg.WithDefaults(),
		rx:    rx,
		codec: rx.Codec(),
		log:   log.With().Str("component", "iface").Str("iface", name).Str("kind", kind).Logger(),
	}, nil
}

func (l *link) Name() string { return l.name }

func (l *link) Kind() string { return l.kind }

// encode frames pkt for the wire without touching its ownership.
func (l *link) encode(pkt *buffer.Packet) ([]byte, error) {
	b, err := frame.Marshal(l.codec, frame.FromPacket(pkt), l.cfg.Limits)
	if err != nil {
		l.counts.txErrors.Add(1)
		return nil, err
	}
	return b, nil
}

// sent records a successful transmit and releases pkt, which the driver owns
// from this point.
func (l *link) sent(pkt *buffer.Packet, n int) {
	l.counts.txFrames.Add(1)
	l.counts.txBytes.Add(uint64(n))
	if err := pkt.Release(); err != nil {
		l.log.Warn().Err(err).Msg("iface.release")
	}
}

// receive copies one decoded frame into a fresh packet and hands it to the
// node. It never blocks.
func (l *link) receive(f frame.Frame, wireLen int) bool {
	l.counts.rxFrames.Add(1)
	l.counts.rxBytes.Add(uint64(wireLen))
	pkt, err := l.rx.Allocate()
	if err != nil {
		l.counts.rxDropped.Add(1)
		l.log.Debug().Err(err).Msg("iface.receive drop")
		return false
	}
	if err := frame.ToPacket(l.codec, f, pkt); err != nil {
		l.counts.rxDropped.Add(1)
		observability.RecordDrop(l.rx.Name(), observability.DropLinkDecode)
		_ = pkt.Release()
		return false
	}
	return l.rx.Ingress(pkt, l.name)
}

func (l *link) rxError(err error) {
	l.counts.rxErrors.Add(1)
	observability.RecordDrop(l.rx.Name(), observability.DropLinkDecode)
	l.log.Debug().Err(err).Msg("iface.receive error")
}

// deadline converts a transmit timeout into an absolute write deadline. Zero
// and negative timeouts fall back to the configured write timeout so a dead
// peer cannot hold the egress slot forever.
func (l *link) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = l.cfg.WriteTimeout
	}
	return time.Now().Add(timeout)
}
