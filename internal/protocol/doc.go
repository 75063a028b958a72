// Package protocol owns the identifier wire contract.
//
// Ownership boundary:
// - identifier field layout and masking
// - 32-bit and legacy 16-bit encodings
// - reserved ports, priorities and frame types
//
// The packed identifier is an explicit bit-packing codec over a byte slice.
// Byte order of the packed word is a deployment-wide codec parameter, never a
// per-packet flag.
package protocol
