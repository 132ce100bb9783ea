package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// PeerAddress identifies a remote peer by network address and transport type.
type PeerAddress struct {
	// Addr is the network address of the peer.
	Addr net.Addr
	// TransportType identifies the transport protocol (UDP or TCP).
	TransportType TransportType
}

// String returns a human-readable representation of the peer address.
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return fmt.Sprintf("%s:<nil>", p.TransportType)
	}
	return fmt.Sprintf("%s:%s", p.TransportType, p.Addr.String())
}

// URI returns the peer as a CoAP URI authority, e.g. "coap://[::1]:5683"
// or "coap+tcp://192.0.2.1:5683".
func (p PeerAddress) URI() string {
	if p.Addr == nil {
		return p.TransportType.Scheme() + "://"
	}
	return p.TransportType.Scheme() + "://" + p.Addr.String()
}

// IsValid returns true if the peer address has a valid transport type and address.
func (p PeerAddress) IsValid() bool {
	return p.TransportType.IsValid() && p.Addr != nil
}

// NewUDPPeerAddress creates a PeerAddress for a UDP peer.
func NewUDPPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{
		Addr:          addr,
		TransportType: TransportTypeUDP,
	}
}

// NewTCPPeerAddress creates a PeerAddress for a TCP peer.
func NewTCPPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{
		Addr:          addr,
		TransportType: TransportTypeTCP,
	}
}

// UDPAddrFromString parses an address string and creates a UDP PeerAddress.
func UDPAddrFromString(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return NewUDPPeerAddress(udpAddr), nil
}

// TCPAddrFromString parses an address string and creates a TCP PeerAddress.
func TCPAddrFromString(addr string) (PeerAddress, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return NewTCPPeerAddress(tcpAddr), nil
}

// ParsePeer resolves a peer given as a CoAP URI or a transport-prefixed
// address:
//
//	coap://host[:port][/path]      UDP, port defaults to 5683
//	coap+tcp://host[:port][/path]  TCP, port defaults to 5683
//	udp:host:port, tcp:host:port   explicit transport and port
//	host:port                      UDP
//
// Path and query of a URI are ignored. Secure schemes are rejected.
func ParsePeer(s string) (PeerAddress, error) {
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		return parseURI(strings.ToLower(scheme), rest, s)
	}
	scheme, addr, _ := strings.Cut(s, ":")
	switch strings.ToLower(scheme) {
	case "udp":
		return UDPAddrFromString(addr)
	case "tcp":
		return TCPAddrFromString(addr)
	}
	return UDPAddrFromString(s)
}

func parseURI(scheme, rest, raw string) (PeerAddress, error) {
	var tt TransportType
	switch scheme {
	case "coap":
		tt = TransportTypeUDP
	case "coap+tcp":
		tt = TransportTypeTCP
	default:
		return PeerAddress{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, scheme)
	}
	u, err := url.Parse("//" + rest)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Hostname() == "" {
		return PeerAddress{}, fmt.Errorf("%w: no host in %q", ErrInvalidAddress, raw)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	hostport := net.JoinHostPort(u.Hostname(), port)
	if tt == TransportTypeTCP {
		return TCPAddrFromString(hostport)
	}
	return UDPAddrFromString(hostport)
}
