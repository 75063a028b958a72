package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestEncodeExtendedKnownVector(t *testing.T) {
	id := Identifier{Priority: PrioNorm, Src: 2, Dst: 1, DPort: 10, SPort: 20, Type: FrameBegin, Seq: 3}

	be := Codec{Mode: ModeExtended, Order: BigEndian}.Encode(id)
	if !bytes.Equal(be, []byte{0x10, 0x85, 0x54, 0x43}) {
		t.Fatalf("big-endian bytes mismatch: % x", be)
	}
	le := Codec{Mode: ModeExtended, Order: LittleEndian}.Encode(id)
	if !bytes.Equal(le, []byte{0x43, 0x54, 0x85, 0x10}) {
		t.Fatalf("little-endian bytes mismatch: % x", le)
	}
}

func TestEncodeStandardKnownVector(t *testing.T) {
	id := Identifier{Src: 2, Dst: 1, DPort: 10, SPort: 4}
	got := Codec{Mode: ModeStandard, Order: BigEndian}.Encode(id)
	if !bytes.Equal(got, []byte{0x21, 0xa4}) {
		t.Fatalf("standard bytes mismatch: % x", got)
	}
}

func TestRoundTripEveryCodec(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	codecs := []Codec{
		{Mode: ModeExtended, Order: BigEndian},
		{Mode: ModeExtended, Order: LittleEndian},
		{Mode: ModeStandard, Order: BigEndian},
		{Mode: ModeStandard, Order: LittleEndian},
	}
	for _, c := range codecs {
		for i := 0; i < 2000; i++ {
			in := c.Truncate(randomIdentifier(rng))
			out, err := c.Decode(c.Encode(in))
			if err != nil {
				t.Fatalf("%s/%s decode: %v", c.Mode, c.Order, err)
			}
			if out != in {
				t.Fatalf("%s/%s round trip mismatch: got=%+v want=%+v", c.Mode, c.Order, out, in)
			}
		}
	}
}

func TestEncodeMasksOverflowingFields(t *testing.T) {
	c := DefaultCodec()
	id := Identifier{Priority: 9, Src: 0x1f, Dst: 0x12, DPort: 0x3f, Seq: 33}
	got, err := c.Decode(c.Encode(id))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Identifier{Priority: 1, Src: 0x0f, Dst: 0x02, DPort: 0x1f, Seq: 1}
	if got != want {
		t.Fatalf("masking mismatch: got=%+v want=%+v", got, want)
	}
}

func TestStandardModeDropsControlFields(t *testing.T) {
	c := Codec{Mode: ModeStandard, Order: BigEndian}
	got, err := c.Decode(c.Encode(Identifier{Priority: PrioBulk, Src: 3, Dst: 4, DPort: 5, SPort: 6, Type: FrameMore, Seq: 17}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Priority != 0 || got.Type != 0 || got.Seq != 0 {
		t.Fatalf("expected zeroed control fields: %+v", got)
	}
	if got.Src != 3 || got.Dst != 4 || got.DPort != 5 || got.SPort != 6 {
		t.Fatalf("address fields mismatch: %+v", got)
	}
}

func TestDecodeWrongLengthIsFormatError(t *testing.T) {
	for _, c := range []Codec{DefaultCodec(), {Mode: ModeStandard}} {
		_, err := c.Decode([]byte{1, 2, 3})
		if !errors.Is(err, ErrFormat) {
			t.Fatalf("%s: expected ErrFormat, got %v", c.Mode, err)
		}
	}
	if err := DefaultCodec().EncodeTo(make([]byte, 2), Identifier{}); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat on short destination, got %v", err)
	}
}

func TestValidateIdentifierRanges(t *testing.T) {
	if err := (Identifier{Src: 15, Dst: 0, DPort: 31, Priority: PrioDebug, Seq: 31}).Validate(); err != nil {
		t.Fatalf("expected valid identifier, got %v", err)
	}
	if err := (Identifier{Dst: 16}).Validate(); !errors.Is(err, ErrNodeOutOfRange) {
		t.Fatalf("expected ErrNodeOutOfRange, got %v", err)
	}
	if err := (Identifier{SPort: 32}).Validate(); !errors.Is(err, ErrPortOutOfRange) {
		t.Fatalf("expected ErrPortOutOfRange, got %v", err)
	}
	if err := (Identifier{Priority: 8}).Validate(); !errors.Is(err, ErrPrioOutOfRange) {
		t.Fatalf("expected ErrPrioOutOfRange, got %v", err)
	}
}

func TestSeqNewerWraps(t *testing.T) {
	cases := []struct {
		seq, last uint8
		want      bool
	}{
		{seq: 1, last: 0, want: true},
		{seq: 0, last: 0, want: false},
		{seq: 0, last: 1, want: false},
		{seq: 0, last: 31, want: true},
		{seq: 3, last: 30, want: true},
		{seq: 20, last: 3, want: false},
	}
	for _, tc := range cases {
		if got := SeqNewer(tc.seq, tc.last); got != tc.want {
			t.Fatalf("SeqNewer(%d, %d)=%v want %v", tc.seq, tc.last, got, tc.want)
		}
	}
	if NextSeq(31) != 0 {
		t.Fatalf("NextSeq should wrap to zero")
	}
}

func TestReplySwapsAddressing(t *testing.T) {
	id := Identifier{Priority: PrioHigh, Src: 1, Dst: 2, DPort: PortPing, SPort: 20, Type: FrameMore, Seq: 9}
	r := id.Reply()
	if r.Src != 2 || r.Dst != 1 || r.DPort != 20 || r.SPort != PortPing || r.Priority != PrioHigh {
		t.Fatalf("unexpected reply identifier: %+v", r)
	}
}

func TestParseModeAndOrder(t *testing.T) {
	if m, err := ParseMode("16"); err != nil || m != ModeStandard {
		t.Fatalf("ParseMode(16)=%v,%v", m, err)
	}
	if _, err := ParseMode("64"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if o, err := ParseByteOrder("little"); err != nil || o != LittleEndian {
		t.Fatalf("ParseByteOrder(little)=%v,%v", o, err)
	}
}

func randomIdentifier(rng *rand.Rand) Identifier {
	return Identifier{
		Reserved: uint8(rng.Intn(8)),
		Priority: Priority(rng.Intn(8)),
		Src:      uint8(rng.Intn(MaxNodes)),
		Dst:      uint8(rng.Intn(MaxNodes)),
		DPort:    uint8(rng.Intn(MaxPort + 1)),
		SPort:    uint8(rng.Intn(MaxPort + 1)),
		Type:     FrameType(rng.Intn(8)),
		Seq:      uint8(rng.Intn(SeqModulus)),
	}
}
