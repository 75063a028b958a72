package protocol

import "fmt"

// Decode parses wire bytes produced by a codec with the same mode and order.
// In standard mode priority, type, sequence and reserved decode as zero.
func (c Codec) Decode(b []byte) (Identifier, error) {
	if len(b) != c.Size() {
		return Identifier{}, fmt.Errorf("%w: got %d bytes want %d", ErrFormat, len(b), c.Size())
	}
	order := c.ByteOrder()
	if c.Mode == ModeStandard {
		return unpackStandard(order.Uint16(b)), nil
	}
	return unpackExtended(order.Uint32(b)), nil
}

func unpackExtended(w uint32) Identifier {
	var id Identifier
	id.Seq = uint8(w & mask(widthSeq))
	w >>= widthSeq
	id.Type = FrameType(w & mask(widthType))
	w >>= widthType
	id.SPort = uint8(w & mask(widthPort))
	w >>= widthPort
	id.DPort = uint8(w & mask(widthPort))
	w >>= widthPort
	id.Dst = uint8(w & mask(widthNode))
	w >>= widthNode
	id.Src = uint8(w & mask(widthNode))
	w >>= widthNode
	id.Priority = Priority(w & mask(widthPriority))
	w >>= widthPriority
	id.Reserved = uint8(w & mask(widthReserved))
	return id
}

func unpackStandard(v uint16) Identifier {
	w := uint32(v)
	var id Identifier
	id.SPort = uint8(w & mask(widthStdPort))
	w >>= widthStdPort
	id.DPort = uint8(w & mask(widthStdPort))
	w >>= widthStdPort
	id.Dst = uint8(w & mask(widthNode))
	w >>= widthNode
	id.Src = uint8(w & mask(widthNode))
	return id
}

// Truncate returns id with every field masked to what the codec's mode can carry.
func (c Codec) Truncate(id Identifier) Identifier {
	if c.Mode == ModeStandard {
		return unpackStandard(packStandard(id))
	}
	return unpackExtended(packExtended(id))
}
