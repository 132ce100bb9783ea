package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/transport"
)

func newTestResolver(t *testing.T, mock *MockMDNSResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: time.Second,
		LookupTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

func TestResolverBrowse(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceUDP, MockService(ServiceTypeUDP, "a", 5683, net.ParseIP("192.168.1.2"), ServiceTXT{Observe: true}))
	mock.RegisterService(ServiceUDP, MockService(ServiceTypeUDP, "b", 5684, net.ParseIP("fd00::2"), ServiceTXT{}))
	mock.RegisterService(ServiceTCP, MockService(ServiceTypeTCP, "c", 5683, net.ParseIP("10.0.0.3"), ServiceTXT{}))
	r := newTestResolver(t, mock)

	services, err := r.Browse(context.Background(), ServiceTypeUDP)
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}
	var names []string
	for svc := range services {
		names = append(names, svc.InstanceName)
		if svc.ServiceType != ServiceTypeUDP {
			t.Errorf("%s: ServiceType = %s, want UDP", svc.InstanceName, svc.ServiceType)
		}
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Browse() found %v, want [a b]", names)
	}

	if _, err := r.Browse(context.Background(), ServiceTypeUnknown); !errors.Is(err, ErrInvalidServiceType) {
		t.Errorf("Browse(unknown) error = %v, want ErrInvalidServiceType", err)
	}
}

func TestResolverBrowseResourceType(t *testing.T) {
	mock := NewMockMDNSResolver()
	txt := ServiceTXT{ResourceTypes: []string{"temperature"}}
	entry := MockService(ServiceTypeUDP, "thermo", 5683, net.ParseIP("192.168.1.2"), txt)
	mock.RegisterService(ServiceUDP, entry)
	mock.RegisterService(ServiceUDP+",_temperature", entry)
	r := newTestResolver(t, mock)

	svc, err := r.Discover(context.Background(), ServiceTypeUDP, "temperature")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if svc.InstanceName != "thermo" {
		t.Errorf("Discover() = %q, want thermo", svc.InstanceName)
	}
	info, err := svc.TXT()
	if err != nil || !info.HasResourceType("temperature") {
		t.Errorf("TXT() = %+v, %v", info, err)
	}

	if _, err := r.Discover(context.Background(), ServiceTypeUDP, "light"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Discover(light) error = %v, want ErrServiceNotFound", err)
	}
	if _, err := r.BrowseResourceType(context.Background(), ServiceTypeUDP, "oic.r.switch"); err == nil {
		t.Error("BrowseResourceType() with an invalid label succeeded")
	}
}

func TestResolverLookup(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceTCP, MockService(ServiceTypeTCP, "node", 5685, net.ParseIP("fd00::7"), ServiceTXT{}))
	r := newTestResolver(t, mock)

	svc, err := r.Lookup(context.Background(), ServiceTypeTCP, "node")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	peer, err := svc.PeerAddress()
	if err != nil {
		t.Fatalf("PeerAddress() error = %v", err)
	}
	if peer.TransportType != transport.TransportTypeTCP || peer.Addr.String() != "[fd00::7]:5685" {
		t.Errorf("PeerAddress() = %s, want tcp:[fd00::7]:5685", peer)
	}

	if _, err := r.Lookup(context.Background(), ServiceTypeTCP, "other"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup(other) error = %v, want ErrServiceNotFound", err)
	}
	if _, err := r.Lookup(context.Background(), ServiceTypeTCP, ""); !errors.Is(err, ErrInvalidInstanceName) {
		t.Errorf("Lookup(\"\") error = %v, want ErrInvalidInstanceName", err)
	}
}

func TestResolvedServicePeerAddress(t *testing.T) {
	svc := ResolvedService{ServiceType: ServiceTypeUDP, Port: 5683}
	if _, err := svc.PeerAddress(); !errors.Is(err, ErrNoAddresses) {
		t.Errorf("PeerAddress() error = %v, want ErrNoAddresses", err)
	}

	svc.IPs = []net.IP{net.ParseIP("192.168.1.9")}
	peer, err := svc.PeerAddress()
	if err != nil {
		t.Fatalf("PeerAddress() error = %v", err)
	}
	if peer.TransportType != transport.TransportTypeUDP || peer.Addr.String() != "192.168.1.9:5683" {
		t.Errorf("PeerAddress() = %s", peer)
	}
}
