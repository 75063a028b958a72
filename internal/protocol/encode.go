package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Mode selects the identifier encoding.
type Mode int

const (
	// ModeExtended is the canonical 32-bit identifier.
	ModeExtended Mode = iota
	// ModeStandard is the legacy 16-bit identifier: src(4) dst(4) dport(4) sport(4).
	ModeStandard
)

// ByteOrder selects how the packed identifier word is laid out in bytes.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

// MaxIdentifierSize is the largest encoded identifier in bytes.
const MaxIdentifierSize = 4

// Codec packs and unpacks identifiers for one deployment.
type Codec struct {
	Mode  Mode
	Order ByteOrder
}

// DefaultCodec is the 32-bit big-endian codec.
func DefaultCodec() Codec {
	return Codec{Mode: ModeExtended, Order: BigEndian}
}

// Size returns the encoded identifier length in bytes.
func (c Codec) Size() int {
	if c.Mode == ModeStandard {
		return 2
	}
	return 4
}

// MaxPort is the highest port the identifier layout can carry.
func (c Codec) MaxPort() uint8 {
	if c.Mode == ModeStandard {
		return uint8(mask(widthStdPort))
	}
	return MaxPort
}

// ByteOrder returns the binary order used for the packed word and for the
// length field that precedes it on the wire.
func (c Codec) ByteOrder() binary.ByteOrder {
	if c.Order == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Validate reports an unknown mode or byte order.
func (c Codec) Validate() error {
	if c.Mode != ModeExtended && c.Mode != ModeStandard {
		return fmt.Errorf("%w: %d", ErrUnknownMode, c.Mode)
	}
	if c.Order != BigEndian && c.Order != LittleEndian {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, c.Order)
	}
	return nil
}

// Encode returns the wire bytes of id. Field values wider than their
// declared widths are truncated.
func (c Codec) Encode(id Identifier) []byte {
	buf := make([]byte, c.Size())
	_ = c.EncodeTo(buf, id)
	return buf
}

// EncodeTo writes id into dst, which must be exactly Size() bytes long.
func (c Codec) EncodeTo(dst []byte, id Identifier) error {
	if len(dst) != c.Size() {
		return fmt.Errorf("%w: got %d bytes want %d", ErrFormat, len(dst), c.Size())
	}
	order := c.ByteOrder()
	if c.Mode == ModeStandard {
		order.PutUint16(dst, packStandard(id))
		return nil
	}
	order.PutUint32(dst, packExtended(id))
	return nil
}

func packExtended(id Identifier) uint32 {
	var w uint32
	w = w<<widthReserved | uint32(id.Reserved)&mask(widthReserved)
	w = w<<widthPriority | uint32(id.Priority)&mask(widthPriority)
	w = w<<widthNode | uint32(id.Src)&mask(widthNode)
	w = w<<widthNode | uint32(id.Dst)&mask(widthNode)
	w = w<<widthPort | uint32(id.DPort)&mask(widthPort)
	w = w<<widthPort | uint32(id.SPort)&mask(widthPort)
	w = w<<widthType | uint32(id.Type)&mask(widthType)
	w = w<<widthSeq | uint32(id.Seq)&mask(widthSeq)
	return w
}

func packStandard(id Identifier) uint16 {
	var w uint32
	w = w<<widthNode | uint32(id.Src)&mask(widthNode)
	w = w<<widthNode | uint32(id.Dst)&mask(widthNode)
	w = w<<widthStdPort | uint32(id.DPort)&mask(widthStdPort)
	w = w<<widthStdPort | uint32(id.SPort)&mask(widthStdPort)
	return uint16(w)
}

// ParseMode maps a config string ("extended", "32", "standard", "16") to a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "extended", "ext", "32":
		return ModeExtended, nil
	case "standard", "std", "legacy", "16":
		return ModeStandard, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}

// ParseByteOrder maps a config string ("big", "little") to a ByteOrder.
func ParseByteOrder(raw string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "big", "big-endian", "be":
		return BigEndian, nil
	case "little", "little-endian", "le":
		return LittleEndian, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOrder, raw)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeExtended:
		return "extended"
	case ModeStandard:
		return "standard"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "big"
	case LittleEndian:
		return "little"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}
