// Package tlv encodes the typed field lists carried in service replies.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is id(1) + type(1) + length(2).
const HeaderLen = 4

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrValueTooLarge    = errors.New("tlv: value too large")
)

// Type IDs.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint8
	Type  uint8
	Value []byte
}

func EncodeField(f Field) ([]byte, error) {
	if len(f.Value) > 0xffff {
		return nil, fmt.Errorf("%w: field %d len=%d", ErrValueTooLarge, f.ID, len(f.Value))
	}
	buf := make([]byte, HeaderLen+len(f.Value))
	buf[0] = f.ID
	buf[1] = f.Type
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Value)))
	copy(buf[HeaderLen:], f.Value)
	return buf, nil
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := payload[i]
		typeID := payload[i+1]
		l := int(binary.BigEndian.Uint16(payload[i+2 : i+4]))
		i += HeaderLen
		if len(payload)-i < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+l])
		i += l
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

// EncodeFields concatenates fields. Oversized values are rejected.
func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		b, err := EncodeField(f)
		if err != nil {
			continue
		}
		out = append(out, b...)
	}
	return out
}

// AppendFields encodes fields onto dst and fails when the result would
// exceed limit bytes.
func AppendFields(dst []byte, limit int, fields ...Field) ([]byte, error) {
	for _, f := range fields {
		b, err := EncodeField(f)
		if err != nil {
			return dst, err
		}
		if len(dst)+len(b) > limit {
			return dst, fmt.Errorf("%w: field %d exceeds %d bytes", ErrValueTooLarge, f.ID, limit)
		}
		dst = append(dst, b...)
	}
	return dst, nil
}

func GetField(fields []Field, id uint8) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func U32(id uint8, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64(id uint8, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func String(id uint8, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
