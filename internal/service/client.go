package service

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/protocol/tlv"
)

// Ping sends size bytes to dst's ping port and waits for the echo. It returns
// the round-trip time.
func Ping(n *node.Node, dst uint8, timeout time.Duration, size int) (time.Duration, error) {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i)
	}
	start := time.Now()
	in, err := n.Transaction(protocol.PrioNorm, dst, protocol.PortPing, timeout, out, -1)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(in, out) {
		return 0, fmt.Errorf("%w: ping echo mismatch (%d/%d bytes)", ErrBadReply, len(in), len(out))
	}
	return time.Since(start), nil
}

// PingNoReply sends a one-byte ping and does not wait for the echo.
func PingNoReply(n *node.Node, dst uint8) error {
	_, err := n.Transaction(protocol.PrioNorm, dst, protocol.PortPing, node.NoWait, []byte{0x55}, 0)
	return err
}

// PSInfo is the decoded reply of the ps service.
type PSInfo struct {
	PID        uint32        `json:"pid"`
	Goroutines uint32        `json:"goroutines"`
	Threads    uint32        `json:"threads"`
	Uptime     time.Duration `json:"uptime"`
	RSS        uint64        `json:"rss"`
	Hostname   string        `json:"hostname"`
}

// ProcessStatus queries dst's process status.
func ProcessStatus(n *node.Node, dst uint8, timeout time.Duration) (PSInfo, error) {
	in, err := n.Transaction(protocol.PrioNorm, dst, protocol.PortPS, timeout, nil, -1)
	if err != nil {
		return PSInfo{}, err
	}
	return DecodeProcessStatus(in)
}

// DecodeProcessStatus parses a ps reply. Missing optional fields stay zero.
func DecodeProcessStatus(b []byte) (PSInfo, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return PSInfo{}, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	var ps PSInfo
	for _, f := range fields {
		switch f.ID {
		case PSFieldPID:
			ps.PID, err = u32(f)
		case PSFieldGoroutines:
			ps.Goroutines, err = u32(f)
		case PSFieldThreads:
			ps.Threads, err = u32(f)
		case PSFieldUptimeMS:
			var ms uint64
			ms, err = u64(f)
			ps.Uptime = time.Duration(ms) * time.Millisecond
		case PSFieldRSS:
			ps.RSS, err = u64(f)
		case PSFieldHostname:
			if err = tlv.MustType(f, tlv.TypeString); err == nil {
				ps.Hostname = string(f.Value)
			}
		}
		if err != nil {
			return PSInfo{}, fmt.Errorf("%w: %w", ErrBadReply, err)
		}
	}
	if _, ok := tlv.GetField(fields, PSFieldPID); !ok {
		return PSInfo{}, fmt.Errorf("%w: ps reply without pid", ErrBadReply)
	}
	return ps, nil
}

func u32(f tlv.Field) (uint32, error) {
	if err := tlv.MustType(f, tlv.TypeU32); err != nil {
		return 0, err
	}
	return tlv.U32FromBytes(f.Value)
}

func u64(f tlv.Field) (uint64, error) {
	if err := tlv.MustType(f, tlv.TypeU64); err != nil {
		return 0, err
	}
	return tlv.U64FromBytes(f.Value)
}

// MemFree returns dst's free memory in bytes, capped at 4 GiB - 1.
func MemFree(n *node.Node, dst uint8, timeout time.Duration) (uint32, error) {
	return queryU32(n, dst, protocol.PortMemFree, timeout)
}

// BufFree returns the number of free packet buffers on dst.
func BufFree(n *node.Node, dst uint8, timeout time.Duration) (uint32, error) {
	return queryU32(n, dst, protocol.PortBufFree, timeout)
}

func queryU32(n *node.Node, dst, port uint8, timeout time.Duration) (uint32, error) {
	in, err := n.Transaction(protocol.PrioNorm, dst, port, timeout, nil, 4)
	if err != nil {
		return 0, err
	}
	if len(in) != 4 {
		return 0, fmt.Errorf("%w: port %d reply is %d bytes", ErrBadReply, port, len(in))
	}
	return binary.BigEndian.Uint32(in), nil
}

// Reboot asks dst to reboot. No reply is expected.
func Reboot(n *node.Node, dst uint8) error {
	out := binary.BigEndian.AppendUint32(nil, RebootMagic)
	_, err := n.Transaction(protocol.PrioNorm, dst, protocol.PortReboot, time.Second, out, 0)
	return err
}
