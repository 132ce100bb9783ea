package discovery

import (
	"errors"
	"testing"

	"github.com/backkem/coap/pkg/transport"
)

func TestServiceType_String(t *testing.T) {
	tests := []struct {
		s    ServiceType
		want string
	}{
		{ServiceTypeUnknown, "Unknown"},
		{ServiceTypeUDP, "UDP"},
		{ServiceTypeTCP, "TCP"},
		{ServiceType(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("ServiceType(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestServiceType_Mapping(t *testing.T) {
	tests := []struct {
		s         ServiceType
		valid     bool
		service   string
		transport transport.TransportType
	}{
		{ServiceTypeUnknown, false, "", transport.TransportTypeUnknown},
		{ServiceTypeUDP, true, "_coap._udp", transport.TransportTypeUDP},
		{ServiceTypeTCP, true, "_coap._tcp", transport.TransportTypeTCP},
		{ServiceType(99), false, "", transport.TransportTypeUnknown},
	}

	for _, tt := range tests {
		if got := tt.s.IsValid(); got != tt.valid {
			t.Errorf("ServiceType(%d).IsValid() = %v, want %v", tt.s, got, tt.valid)
		}
		if got := tt.s.ServiceString(); got != tt.service {
			t.Errorf("ServiceType(%d).ServiceString() = %q, want %q", tt.s, got, tt.service)
		}
		if got := tt.s.TransportType(); got != tt.transport {
			t.Errorf("ServiceType(%d).TransportType() = %v, want %v", tt.s, got, tt.transport)
		}
	}
}

func TestParseServiceType(t *testing.T) {
	tests := []struct {
		in   string
		want ServiceType
	}{
		{"udp", ServiceTypeUDP},
		{"TCP", ServiceTypeTCP},
		{"_coap._udp", ServiceTypeUDP},
		{"_coap._tcp.", ServiceTypeTCP},
	}
	for _, tt := range tests {
		got, err := ParseServiceType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseServiceType(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseServiceType("_http._tcp"); !errors.Is(err, ErrInvalidServiceType) {
		t.Errorf("ParseServiceType(_http._tcp) error = %v, want ErrInvalidServiceType", err)
	}
}
