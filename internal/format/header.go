// Package format provides the binary header shared by every file the batch
// store writes to disk.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'B' = 0x42)
//	type (1 byte, identifies the file)
//	version (1 byte)
//	flags (1 byte)
//
// Type codes:
//
//	'r' = unit records log (framed records)
//	'm' = unit sidecar (batch-level metadata)
//	's' = single-slot file (keep-latest writer)
const (
	Signature  = 'B'
	HeaderSize = 4

	TypeRecordLog = 'r'
	TypeSidecar   = 'm'
	TypeSlot      = 's'

	// Flag bits for records logs.
	FlagSealed     = 0x01
	FlagCompressed = 0x02
	FlagBrotli     = 0x04 // with FlagCompressed: brotli instead of zstd
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header is the common 4-byte file header.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode returns the header bytes.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// EncodeInto writes the header at the start of buf and returns HeaderSize.
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Type
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode reads a header from buf without checking type or version.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{
		Type:    buf[1],
		Version: buf[2],
		Flags:   buf[3],
	}, nil
}

// DecodeAndValidate reads a header and checks its type and version.
func DecodeAndValidate(buf []byte, expectedType, expectedVersion byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type != expectedType {
		return Header{}, ErrTypeMismatch
	}
	if h.Version != expectedVersion {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
