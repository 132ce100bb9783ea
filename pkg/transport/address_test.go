package transport

import (
	"errors"
	"net"
	"testing"
)

func TestParsePeer(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "coap://127.0.0.1", want: "UDP:127.0.0.1:5683"},
		{in: "coap://127.0.0.1:61616/sensors/temp?unit=c", want: "UDP:127.0.0.1:61616"},
		{in: "COAP://[::1]", want: "UDP:[::1]:5683"},
		{in: "coap+tcp://192.0.2.1", want: "TCP:192.0.2.1:5683"},
		{in: "coap+tcp://[2001:db8::1]:5700/", want: "TCP:[2001:db8::1]:5700"},
		{in: "udp:127.0.0.1:5683", want: "UDP:127.0.0.1:5683"},
		{in: "tcp:127.0.0.1:5684", want: "TCP:127.0.0.1:5684"},
		{in: "127.0.0.1:5683", want: "UDP:127.0.0.1:5683"},
		{in: "coaps://127.0.0.1", wantErr: ErrInvalidAddress},
		{in: "coap://:5683", wantErr: ErrInvalidAddress},
		{in: "localhost"},
		{in: "udp:no-port"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePeer(tt.in)
			if tt.want == "" {
				if err == nil {
					t.Fatalf("ParsePeer(%q) = %s, want error", tt.in, got)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("ParsePeer(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeer(%q) error = %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParsePeer(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestPeerAddressURI(t *testing.T) {
	udp := NewUDPPeerAddress(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 5683})
	tcp := NewTCPPeerAddress(&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 5700})

	tests := []struct {
		peer PeerAddress
		want string
	}{
		{udp, "coap://192.0.2.1:5683"},
		{tcp, "coap+tcp://[2001:db8::1]:5700"},
	}
	for _, tt := range tests {
		if got := tt.peer.URI(); got != tt.want {
			t.Errorf("URI() = %q, want %q", got, tt.want)
		}
		back, err := ParsePeer(tt.want)
		if err != nil {
			t.Fatalf("ParsePeer(%q) error = %v", tt.want, err)
		}
		if back.String() != tt.peer.String() {
			t.Errorf("ParsePeer(URI()) = %s, want %s", back, tt.peer)
		}
	}
}

func TestTransportType(t *testing.T) {
	tests := []struct {
		tt       TransportType
		name     string
		scheme   string
		reliable bool
		valid    bool
	}{
		{TransportTypeUDP, "UDP", "coap", false, true},
		{TransportTypeTCP, "TCP", "coap+tcp", true, true},
		{TransportTypeUnknown, "Unknown", "coap", false, false},
	}
	for _, tt := range tests {
		if got := tt.tt.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.tt.Scheme(); got != tt.scheme {
			t.Errorf("%s: Scheme() = %q, want %q", tt.name, got, tt.scheme)
		}
		if tt.tt.Reliable() != tt.reliable || tt.tt.IsValid() != tt.valid {
			t.Errorf("%s: Reliable/IsValid = %v/%v, want %v/%v", tt.name, tt.tt.Reliable(), tt.tt.IsValid(), tt.reliable, tt.valid)
		}
	}
}
