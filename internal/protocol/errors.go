package protocol

import "errors"

var (
	ErrFormat          = errors.New("protocol: malformed identifier")
	ErrUnknownMode     = errors.New("protocol: unknown identifier mode")
	ErrUnknownOrder    = errors.New("protocol: unknown byte order")
	ErrNodeOutOfRange  = errors.New("protocol: node address out of range")
	ErrPortOutOfRange  = errors.New("protocol: port out of range")
	ErrPrioOutOfRange  = errors.New("protocol: priority out of range")
	ErrTypeOutOfRange  = errors.New("protocol: frame type out of range")
	ErrSeqOutOfRange   = errors.New("protocol: sequence number out of range")
	ErrReservedNonZero = errors.New("protocol: reserved bits set")
)
