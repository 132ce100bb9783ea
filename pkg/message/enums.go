// Package message implements the CoAP wire format.
// This package handles message framing as defined in RFC 7252 Section 3
// (UDP) and RFC 8323 Section 3 (TCP).
//
// The package provides:
//   - Message header, token and payload encoding/decoding
//   - Option sequence encoding/decoding (delta + length nibbles)
//   - Block1/Block2 (RFC 7959) and Observe (RFC 7641) option values
//   - TCP stream framing support
package message

import "fmt"

// Type is the CoAP message type carried in the UDP header (RFC 7252 Section 3).
type Type uint8

const (
	// Confirmable messages require an Acknowledgement or Reset.
	Confirmable Type = 0

	// NonConfirmable messages are not acknowledged.
	NonConfirmable Type = 1

	// Acknowledgement acknowledges a Confirmable message, possibly carrying
	// a piggybacked response.
	Acknowledgement Type = 2

	// Reset indicates a message was received but could not be processed.
	Reset Type = 3
)

// String returns the short RFC name for the message type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type is a defined value.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code is the 8-bit CoAP code: 3-bit class and 5-bit detail ("c.dd").
type Code uint8

// NewCode builds a code from class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1F)
}

// Empty message code.
const Empty Code = 0x00

// Request method codes (RFC 7252 Section 12.1.1, RFC 8132).
const (
	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04
	FETCH  Code = 0x05
	PATCH  Code = 0x06
	IPATCH Code = 0x07
)

// Response codes (RFC 7252 Section 12.1.2, RFC 7959).
const (
	Created  Code = 0x41 // 2.01
	Deleted  Code = 0x42 // 2.02
	Valid    Code = 0x43 // 2.03
	Changed  Code = 0x44 // 2.04
	Content  Code = 0x45 // 2.05
	Continue Code = 0x5F // 2.31

	BadRequest               Code = 0x80 // 4.00
	Unauthorized             Code = 0x81 // 4.01
	BadOption                Code = 0x82 // 4.02
	Forbidden                Code = 0x83 // 4.03
	NotFound                 Code = 0x84 // 4.04
	MethodNotAllowed         Code = 0x85 // 4.05
	NotAcceptable            Code = 0x86 // 4.06
	RequestEntityIncomplete  Code = 0x88 // 4.08
	PreconditionFailed       Code = 0x8C // 4.12
	RequestEntityTooLarge    Code = 0x8D // 4.13
	UnsupportedContentFormat Code = 0x8F // 4.15

	InternalServerError  Code = 0xA0 // 5.00
	NotImplemented       Code = 0xA1 // 5.01
	BadGateway           Code = 0xA2 // 5.02
	ServiceUnavailable   Code = 0xA3 // 5.03
	GatewayTimeout       Code = 0xA4 // 5.04
	ProxyingNotSupported Code = 0xA5 // 5.05
)

// Signaling codes used only over reliable transports (RFC 8323 Section 5).
const (
	CSM     Code = 0xE1 // 7.01
	Ping    Code = 0xE2 // 7.02
	Pong    Code = 0xE3 // 7.03
	Release Code = 0xE4 // 7.04
	Abort   Code = 0xE5 // 7.05
)

// Class returns the code class (0 request, 2 success, 4 client error,
// 5 server error, 7 signaling).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1F
}

// IsEmpty returns true for the 0.00 code.
func (c Code) IsEmpty() bool {
	return c == Empty
}

// IsRequest returns true for method codes (class 0, non-empty).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse returns true for response codes (classes 2..5).
func (c Code) IsResponse() bool {
	class := c.Class()
	return class >= 2 && class <= 5
}

// IsSuccess returns true for 2.xx codes.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// IsError returns true for 4.xx and 5.xx codes.
func (c Code) IsError() bool {
	class := c.Class()
	return class == 4 || class == 5
}

// IsSignaling returns true for 7.xx codes.
func (c Code) IsSignaling() bool {
	return c.Class() == 7
}

// String returns the dotted representation, e.g. "2.05".
func (c Code) String() string {
	switch c {
	case GET:
		return "GET"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	case FETCH:
		return "FETCH"
	case PATCH:
		return "PATCH"
	case IPATCH:
		return "iPATCH"
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// OptionID is a CoAP option number.
type OptionID uint16

// Option numbers (RFC 7252 Section 12.2, RFC 7641, RFC 7959, RFC 8613).
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	OSCORE        OptionID = 9
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
)

// String returns the registered option name.
func (o OptionID) String() string {
	switch o {
	case IfMatch:
		return "If-Match"
	case URIHost:
		return "Uri-Host"
	case ETag:
		return "ETag"
	case IfNoneMatch:
		return "If-None-Match"
	case Observe:
		return "Observe"
	case URIPort:
		return "Uri-Port"
	case LocationPath:
		return "Location-Path"
	case OSCORE:
		return "OSCORE"
	case URIPath:
		return "Uri-Path"
	case ContentFormat:
		return "Content-Format"
	case MaxAge:
		return "Max-Age"
	case URIQuery:
		return "Uri-Query"
	case Accept:
		return "Accept"
	case LocationQuery:
		return "Location-Query"
	case Block2:
		return "Block2"
	case Block1:
		return "Block1"
	case Size2:
		return "Size2"
	case ProxyURI:
		return "Proxy-Uri"
	case ProxyScheme:
		return "Proxy-Scheme"
	case Size1:
		return "Size1"
	case NoResponse:
		return "No-Response"
	default:
		return fmt.Sprintf("Option(%d)", uint16(o))
	}
}

// IsCritical returns true for odd option numbers (RFC 7252 Section 5.4.1).
func (o OptionID) IsCritical() bool {
	return o&0x01 != 0
}

// IsUnsafe returns true if a proxy must understand the option to forward it.
func (o OptionID) IsUnsafe() bool {
	return o&0x02 != 0
}

// IsNoCacheKey returns true if the option is not part of the cache key.
func (o OptionID) IsNoCacheKey() bool {
	return o&0x1E == 0x1C
}

// IsRecognized returns true for the options this package defines.
func (o OptionID) IsRecognized() bool {
	switch o {
	case IfMatch, URIHost, ETag, IfNoneMatch, Observe, URIPort, LocationPath,
		OSCORE, URIPath, ContentFormat, MaxAge, URIQuery, Accept, LocationQuery,
		Block2, Block1, Size2, ProxyURI, ProxyScheme, Size1, NoResponse:
		return true
	}
	return false
}

// UnrecognizedCritical returns the first critical option in opts that this
// package does not define (RFC 7252 Section 5.4.1).
func (o Options) UnrecognizedCritical() (OptionID, bool) {
	for _, opt := range o {
		if opt.ID.IsCritical() && !opt.ID.IsRecognized() {
			return opt.ID, true
		}
	}
	return 0, false
}

// Content formats commonly used with the engine (RFC 7252 Section 12.3).
const (
	TextPlain     uint32 = 0
	AppLinkFormat uint32 = 40
	AppXML        uint32 = 41
	AppOctets     uint32 = 42
	AppJSON       uint32 = 50
	AppCBOR       uint32 = 60
)
