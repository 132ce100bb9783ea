package transport

// TransportType identifies the transport protocol used for a message.
type TransportType int

const (
	// TransportTypeUnknown is the zero value for unknown transport.
	TransportTypeUnknown TransportType = iota
	// TransportTypeUDP indicates UDP transport.
	TransportTypeUDP
	// TransportTypeTCP indicates TCP transport.
	TransportTypeTCP
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	switch t {
	case TransportTypeUDP:
		return "UDP"
	case TransportTypeTCP:
		return "TCP"
	default:
		return "Unknown"
	}
}

// Scheme returns the CoAP URI scheme of the transport (RFC 7252
// Section 6.1, RFC 8323 Section 8.1).
func (t TransportType) Scheme() string {
	if t == TransportTypeTCP {
		return "coap+tcp"
	}
	return "coap"
}

// Reliable reports whether the transport delivers in order without loss.
// Reliable transports carry no CoAP message layer: no message IDs, ACKs
// or retransmissions.
func (t TransportType) Reliable() bool {
	return t == TransportTypeTCP
}

// IsValid returns true if the transport type is a known valid type.
func (t TransportType) IsValid() bool {
	return t == TransportTypeUDP || t == TransportTypeTCP
}
