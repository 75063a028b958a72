// Package buffer owns the preallocated packet arena.
//
// Ownership boundary:
// - fixed-count, fixed-size packet slots
// - non-blocking allocate/release
// - single-owner handoff of *Packet between driver, router, connection and application
//
// Whoever holds a *Packet owns it. Passing a packet to an API that documents
// "takes ownership" transfers it; the previous holder must not touch it again.
package buffer

import (
	"errors"
	"fmt"

	"github.com/danmuck/cspnet/internal/protocol"
)

// HeaderSize is the interface-reserved region at the front of every packet.
// It is sized for the largest supported link header and never read by the core.
const HeaderSize = 44

var ErrPayloadTooLarge = errors.New("buffer: payload exceeds packet size")

// Packet is one pool slot.
type Packet struct {
	Header [HeaderSize]byte
	Length uint16
	RawID  [protocol.MaxIdentifierSize]byte
	ID     protocol.Identifier
	Data   []byte

	pool *Pool
	slot int
}

// Payload returns the valid bytes of the data region.
func (p *Packet) Payload() []byte {
	n := int(p.Length)
	if n > len(p.Data) {
		n = len(p.Data)
	}
	return p.Data[:n]
}

// SetPayload copies b into the data region and sets Length.
func (p *Packet) SetPayload(b []byte) error {
	if len(b) > len(p.Data) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(b), len(p.Data))
	}
	copy(p.Data, b)
	p.Length = uint16(len(b))
	return nil
}

// Capacity returns the size of the data region.
func (p *Packet) Capacity() int {
	return len(p.Data)
}

// Release returns the packet to its pool. The caller gives up ownership.
func (p *Packet) Release() error {
	if p == nil {
		return ErrForeignBuffer
	}
	if p.pool == nil {
		return ErrForeignBuffer
	}
	return p.pool.Release(p)
}

func (p *Packet) reset() {
	p.Header = [HeaderSize]byte{}
	p.Length = 0
	p.RawID = [protocol.MaxIdentifierSize]byte{}
	p.ID = protocol.Identifier{}
}
