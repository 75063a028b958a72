package protocol

import "fmt"

// Validate reports fields that would be truncated by the 32-bit encoding.
// Encoding never fails; callers that accept user input validate first.
func (id Identifier) Validate() error {
	if id.Reserved > uint8(mask(widthReserved)) {
		return fmt.Errorf("%w: %d", ErrReservedNonZero, id.Reserved)
	}
	if id.Priority > PrioDebug {
		return fmt.Errorf("%w: %d", ErrPrioOutOfRange, id.Priority)
	}
	if err := ValidateNode(id.Src); err != nil {
		return err
	}
	if err := ValidateNode(id.Dst); err != nil {
		return err
	}
	if err := ValidatePort(id.DPort); err != nil {
		return err
	}
	if err := ValidatePort(id.SPort); err != nil {
		return err
	}
	if id.Type > FrameReserved4 {
		return fmt.Errorf("%w: %d", ErrTypeOutOfRange, id.Type)
	}
	if id.Seq >= SeqModulus {
		return fmt.Errorf("%w: %d", ErrSeqOutOfRange, id.Seq)
	}
	return nil
}

// ValidateNode checks a 4-bit node address.
func ValidateNode(node uint8) error {
	if node > MaxNode {
		return fmt.Errorf("%w: %d", ErrNodeOutOfRange, node)
	}
	return nil
}

// ValidatePort checks a 5-bit port number.
func ValidatePort(port uint8) error {
	if port > MaxPort {
		return fmt.Errorf("%w: %d", ErrPortOutOfRange, port)
	}
	return nil
}

// SeqNewer reports whether seq follows last in 5-bit serial-number order.
// A sequence number is newer when it lies in the half window after last.
func SeqNewer(seq, last uint8) bool {
	d := (int(seq) - int(last) + SeqModulus) % SeqModulus
	return d > 0 && d < SeqModulus/2
}

// NextSeq returns the sequence number after seq.
func NextSeq(seq uint8) uint8 {
	return (seq + 1) % SeqModulus
}
