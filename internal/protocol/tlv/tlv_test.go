package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "cspd"),
		{ID: 200, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 200 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{1, TypeString, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedHelpers(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{U32(1, 0xdeadbeef), U64(2, 1<<40)}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	f, ok := GetField(fields, 1)
	if !ok {
		t.Fatalf("field 1 missing")
	}
	if err := MustType(f, TypeU32); err != nil {
		t.Fatalf("must type: %v", err)
	}
	v, err := U32FromBytes(f.Value)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("u32 mismatch: %x %v", v, err)
	}
	f, _ = GetField(fields, 2)
	if err := MustType(f, TypeU32); err == nil {
		t.Fatalf("expected type mismatch")
	}
	w, err := U64FromBytes(f.Value)
	if err != nil || w != 1<<40 {
		t.Fatalf("u64 mismatch: %d %v", w, err)
	}
}

func TestAppendFieldsRespectsLimit(t *testing.T) {
	out, err := AppendFields(nil, 10, String(1, "ab"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(out) != HeaderLen+2 {
		t.Fatalf("unexpected length %d", len(out))
	}
	kept, err := AppendFields(out, 10, String(2, "abcd"))
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
	if !bytes.Equal(kept, out) {
		t.Fatalf("failed append must return dst unchanged")
	}
}
