package protocol

import "fmt"

// Network limits.
const (
	MaxNodes = 16
	MaxNode  = MaxNodes - 1
	MaxPort  = 31
)

// Reserved ports.
const (
	PortPing    uint8 = 1
	PortPS      uint8 = 2
	PortMemFree uint8 = 3
	PortReboot  uint8 = 4
	PortBufFree uint8 = 5

	// PortAny is the bind wildcard for frames whose port has no binding.
	PortAny uint8 = 16
)

// Priorities.
const (
	PrioCritical Priority = 0
	PrioAlert    Priority = 1
	PrioHigh     Priority = 2
	PrioReserved Priority = 3
	PrioNorm     Priority = 4
	PrioLow      Priority = 5
	PrioBulk     Priority = 6
	PrioDebug    Priority = 7
)

// Frame types.
const (
	FrameReserved1 FrameType = 0
	FrameReserved2 FrameType = 1
	FrameBegin     FrameType = 2
	FrameAck       FrameType = 3
	FrameError     FrameType = 4
	FrameMore      FrameType = 5
	FrameReserved3 FrameType = 6
	FrameReserved4 FrameType = 7
)

// Field widths in bits, MSB-first in declaration order.
const (
	widthReserved = 3
	widthPriority = 3
	widthNode     = 4
	widthPort     = 5
	widthType     = 3
	widthSeq      = 5

	// legacy 16-bit layout carries 4-bit ports
	widthStdPort = 4
)

// SeqModulus is the number of distinct sequence numbers.
const SeqModulus = 1 << widthSeq

func mask(width uint) uint32 {
	return (1 << width) - 1
}

func (p Priority) String() string {
	switch p {
	case PrioCritical:
		return "critical"
	case PrioAlert:
		return "alert"
	case PrioHigh:
		return "high"
	case PrioReserved:
		return "reserved"
	case PrioNorm:
		return "norm"
	case PrioLow:
		return "low"
	case PrioBulk:
		return "bulk"
	case PrioDebug:
		return "debug"
	default:
		return fmt.Sprintf("prio(%d)", uint8(p))
	}
}

func (t FrameType) String() string {
	switch t {
	case FrameBegin:
		return "begin"
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	case FrameMore:
		return "more"
	case FrameReserved1, FrameReserved2, FrameReserved3, FrameReserved4:
		return fmt.Sprintf("reserved(%d)", uint8(t))
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// PortName returns the service name of a reserved port, or "" for others.
func PortName(port uint8) string {
	switch port {
	case PortPing:
		return "ping"
	case PortPS:
		return "ps"
	case PortMemFree:
		return "memfree"
	case PortReboot:
		return "reboot"
	case PortBufFree:
		return "buffree"
	case PortAny:
		return "any"
	default:
		return ""
	}
}
