// Package frame is the link framing used by byte-oriented interfaces.
//
// Wire layout, with the length in the codec's byte order:
//
//	[sync:2][length:2][identifier:2|4][payload:length]
//
// Datagram links carry exactly one frame per datagram. Stream links resync
// on the sync word after garbage.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol"
)

const (
	Sync           uint16 = 0xC5A7
	FixedHeaderLen        = 4
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadSync         = errors.New("frame: bad sync word")
	ErrLengthMismatch  = errors.New("frame: length does not match datagram")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one decoded link frame.
type Frame struct {
	ID      protocol.Identifier
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 256}
}

// Size returns the encoded length of a frame with n payload bytes.
func Size(c protocol.Codec, n int) int {
	return FixedHeaderLen + c.Size() + n
}

// Marshal encodes one frame.
func Marshal(c protocol.Codec, f Frame, limits Limits) ([]byte, error) {
	if len(f.Payload) > limits.MaxPayloadBytes || len(f.Payload) > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(f.Payload))
	}
	order := c.ByteOrder()
	buf := make([]byte, Size(c, len(f.Payload)))
	binary.BigEndian.PutUint16(buf[0:2], Sync)
	order.PutUint16(buf[2:4], uint16(len(f.Payload)))
	if err := c.EncodeTo(buf[FixedHeaderLen:FixedHeaderLen+c.Size()], f.ID); err != nil {
		return nil, err
	}
	copy(buf[FixedHeaderLen+c.Size():], f.Payload)
	return buf, nil
}

// Unmarshal decodes exactly one frame from b. The payload aliases b.
func Unmarshal(c protocol.Codec, b []byte, limits Limits) (Frame, error) {
	n, err := decodeHeader(c, b, limits)
	if err != nil {
		return Frame{}, err
	}
	if len(b) != Size(c, n) {
		return Frame{}, fmt.Errorf("%w: header=%d datagram=%d", ErrLengthMismatch, n, len(b)-FixedHeaderLen-c.Size())
	}
	id, err := c.Decode(b[FixedHeaderLen : FixedHeaderLen+c.Size()])
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Payload: b[FixedHeaderLen+c.Size():]}, nil
}

func decodeHeader(c protocol.Codec, b []byte, limits Limits) (int, error) {
	if len(b) < FixedHeaderLen+c.Size() {
		return 0, ErrShortHeader
	}
	if binary.BigEndian.Uint16(b[0:2]) != Sync {
		return 0, ErrBadSync
	}
	n := int(c.ByteOrder().Uint16(b[2:4]))
	if n > limits.MaxPayloadBytes {
		return 0, fmt.Errorf("%w: %d", ErrPayloadTooLarge, n)
	}
	return n, nil
}

// ReadFrame reads one frame from a stream. Bytes before a sync word are
// skipped.
func ReadFrame(r io.Reader, c protocol.Codec, limits Limits) (Frame, error) {
	head := make([]byte, FixedHeaderLen+c.Size())
	if err := readSync(r, head[:2]); err != nil {
		return Frame{}, err
	}
	if _, err := io.ReadFull(r, head[2:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	n, err := decodeHeader(c, head, limits)
	if err != nil {
		return Frame{}, err
	}
	id, err := c.Decode(head[FixedHeaderLen:])
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{ID: id, Payload: payload}, nil
}

func readSync(r io.Reader, win []byte) error {
	if _, err := io.ReadFull(r, win); err != nil {
		return err
	}
	for binary.BigEndian.Uint16(win) != Sync {
		win[0] = win[1]
		if _, err := io.ReadFull(r, win[1:]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFrame writes one frame in a single Write call.
func WriteFrame(w io.Writer, c protocol.Codec, f Frame, limits Limits) error {
	b, err := Marshal(c, f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// FromPacket builds a frame view of pkt. The payload aliases the packet.
func FromPacket(pkt *buffer.Packet) Frame {
	return Frame{ID: pkt.ID, Payload: pkt.Payload()}
}

// ToPacket copies f into pkt, filling both the decoded and the raw identifier.
func ToPacket(c protocol.Codec, f Frame, pkt *buffer.Packet) error {
	if err := pkt.SetPayload(f.Payload); err != nil {
		return err
	}
	pkt.ID = f.ID
	pkt.RawID = [protocol.MaxIdentifierSize]byte{}
	return c.EncodeTo(pkt.RawID[:c.Size()], f.ID)
}
