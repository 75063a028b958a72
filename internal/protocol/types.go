package protocol

// Identifier is the routing and control header carried by every packet.
type Identifier struct {
	Reserved uint8
	Priority Priority
	Src      uint8
	Dst      uint8
	DPort    uint8
	SPort    uint8
	Type     FrameType
	Seq      uint8
}

// Priority orders packets competing for the same interface. Lower is more urgent.
type Priority uint8

// FrameType tags the role of a packet within a connection.
type FrameType uint8

// Reply returns the identifier a response to id should carry: addresses and
// ports swapped, priority kept.
func (id Identifier) Reply() Identifier {
	return Identifier{
		Priority: id.Priority,
		Src:      id.Dst,
		Dst:      id.Src,
		DPort:    id.SPort,
		SPort:    id.DPort,
		Type:     FrameBegin,
	}
}
