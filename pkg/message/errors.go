package message

import "errors"

// Message layer errors.
var (
	// ErrMalformedMessage is the umbrella error for any decode failure.
	// A datagram failing with it is dropped without affecting other exchanges.
	ErrMalformedMessage = errors.New("message: malformed message")

	// Header decoding errors (all wrap ErrMalformedMessage when returned by Decode)
	ErrMessageTooShort    = errors.New("message: data too short")
	ErrInvalidVersion     = errors.New("message: invalid version (must be 1)")
	ErrInvalidTokenLength = errors.New("message: invalid token length")

	// ErrNonEmptyEmptyMessage is returned for a 0.00 message carrying a token,
	// options or payload (RFC 7252 Section 4.1).
	ErrNonEmptyEmptyMessage = errors.New("message: empty message with body")

	// Option errors
	ErrTruncatedOption      = errors.New("message: truncated option")
	ErrReservedOptionNibble = errors.New("message: reserved option delta/length nibble")
	ErrOptionTooLong        = errors.New("message: option value too long")
	ErrOptionOutOfRange     = errors.New("message: option number out of range")
	ErrEmptyPayloadMarker   = errors.New("message: payload marker without payload")

	// Value errors
	ErrInvalidBlockValue = errors.New("message: invalid block option value")
	ErrUintTooLong       = errors.New("message: uint option value longer than 4 bytes")

	// Frame errors
	ErrMessageTooLong   = errors.New("message: exceeds maximum size")
	ErrStreamReadFailed = errors.New("message: failed to read from stream")
)

// Message format constants.
const (
	// Version is the only supported protocol version (RFC 7252 Section 3).
	Version uint8 = 1

	// HeaderSize is the fixed UDP header size in bytes:
	// Ver/T/TKL (1) + Code (1) + Message ID (2).
	HeaderSize = 4

	// MaxTokenLength is the largest token allowed (TKL 9-15 are reserved).
	MaxTokenLength = 8

	// PayloadMarker separates options from the payload.
	PayloadMarker byte = 0xFF

	// MaxUDPMessageSize is the default single-datagram limit. RFC 7252
	// Section 4.6 recommends 1152 bytes total when the path MTU is unknown.
	MaxUDPMessageSize = 1152

	// MaxTCPMessageSize bounds a single RFC 8323 frame accepted from a stream.
	MaxTCPMessageSize = 8 * 1024 * 1024

	// MaxOptionValueLength bounds option values to keep decoding cheap.
	MaxOptionValueLength = 1034
)

// Nibble extension markers (RFC 7252 Section 3.1).
const (
	nibbleExt8  = 13
	nibbleExt16 = 14
	nibbleRsvd  = 15

	ext8Base  = 13
	ext16Base = 269
)
