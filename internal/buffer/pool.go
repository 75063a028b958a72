package buffer

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrExhausted     = errors.New("buffer: pool exhausted")
	ErrInvalidSizing = errors.New("buffer: invalid pool sizing")
	ErrForeignBuffer = errors.New("buffer: packet does not belong to pool")
	ErrDoubleRelease = errors.New("buffer: packet already released")
)

// the 16-bit length field bounds the data region
const maxDataSize = 1<<16 - 1

// Pool is a fixed arena of packet slots. Allocate and Release hold the lock
// only long enough to pop or push the free list and never wait for a slot.
type Pool struct {
	mu    sync.Mutex
	slots []Packet
	owned []bool
	free  []int
	size  int
}

// NewPool preallocates count packets with size-byte data regions.
func NewPool(count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 || size > maxDataSize {
		return nil, fmt.Errorf("%w: count=%d size=%d", ErrInvalidSizing, count, size)
	}
	arena := make([]byte, count*size)
	p := &Pool{
		slots: make([]Packet, count),
		owned: make([]bool, count),
		free:  make([]int, 0, count),
		size:  size,
	}
	for i := range p.slots {
		p.slots[i].pool = p
		p.slots[i].slot = i
		p.slots[i].Data = arena[i*size : (i+1)*size : (i+1)*size]
	}
	// pop from the end so slot 0 goes out first
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

// Allocate returns a zeroed packet or ErrExhausted.
func (p *Pool) Allocate() (*Packet, error) {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.owned[idx] = true
	p.mu.Unlock()

	pkt := &p.slots[idx]
	pkt.reset()
	return pkt, nil
}

// Release returns pkt to the free list.
func (p *Pool) Release(pkt *Packet) error {
	if pkt == nil || pkt.pool != p || pkt.slot < 0 || pkt.slot >= len(p.slots) || &p.slots[pkt.slot] != pkt {
		return ErrForeignBuffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owned[pkt.slot] {
		return ErrDoubleRelease
	}
	p.owned[pkt.slot] = false
	p.free = append(p.free, pkt.slot)
	return nil
}

// Free returns the number of unallocated slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Count returns the total number of slots.
func (p *Pool) Count() int {
	return len(p.slots)
}

// Size returns the data region size of each slot.
func (p *Pool) Size() int {
	return p.size
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Count int `json:"count"`
	Size  int `json:"size"`
	Free  int `json:"free"`
	InUse int `json:"in_use"`
}

// Stats returns the current pool usage.
func (p *Pool) Stats() Stats {
	free := p.Free()
	return Stats{Count: p.Count(), Size: p.size, Free: free, InUse: p.Count() - free}
}
