// Package discovery advertises and finds CoAP endpoints with DNS-SD over
// mDNS (RFC 6763, RFC 7252 Section 7).
//
// This package provides:
//   - Service advertising for _coap._udp and _coap._tcp
//   - Service resolution, optionally filtered by resource type
//   - TXT record encoding/decoding for endpoint capabilities
package discovery

import (
	"strings"

	"github.com/backkem/coap/pkg/transport"
)

// ServiceType identifies the type of DNS-SD service.
type ServiceType int

// ServiceType constants.
const (
	// ServiceTypeUnknown represents an unknown or invalid service type.
	ServiceTypeUnknown ServiceType = iota

	// ServiceTypeUDP is CoAP over UDP.
	// Service type: _coap._udp
	ServiceTypeUDP

	// ServiceTypeTCP is CoAP over TCP (RFC 8323).
	// Service type: _coap._tcp
	ServiceTypeTCP
)

// DNS-SD service type strings.
const (
	// ServiceUDP is the DNS-SD service type for CoAP over UDP.
	ServiceUDP = "_coap._udp"

	// ServiceTCP is the DNS-SD service type for CoAP over TCP.
	ServiceTCP = "_coap._tcp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// String returns a human-readable string for the service type.
func (s ServiceType) String() string {
	switch s {
	case ServiceTypeUDP:
		return "UDP"
	case ServiceTypeTCP:
		return "TCP"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the service type is valid.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeUDP || s == ServiceTypeTCP
}

// ServiceString returns the DNS-SD service type string.
func (s ServiceType) ServiceString() string {
	switch s {
	case ServiceTypeUDP:
		return ServiceUDP
	case ServiceTypeTCP:
		return ServiceTCP
	default:
		return ""
	}
}

// TransportType returns the transport the service is reached over.
func (s ServiceType) TransportType() transport.TransportType {
	switch s {
	case ServiceTypeUDP:
		return transport.TransportTypeUDP
	case ServiceTypeTCP:
		return transport.TransportTypeTCP
	default:
		return transport.TransportTypeUnknown
	}
}

// ParseServiceType accepts "udp", "tcp" or a DNS-SD service string.
func ParseServiceType(s string) (ServiceType, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ".")) {
	case "udp", ServiceUDP:
		return ServiceTypeUDP, nil
	case "tcp", ServiceTCP:
		return ServiceTypeTCP, nil
	}
	return ServiceTypeUnknown, ErrInvalidServiceType
}
