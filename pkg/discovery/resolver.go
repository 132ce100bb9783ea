package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService contains information about a discovered DNS-SD service.
type ResolvedService struct {
	// ServiceType is the type of the discovered service.
	ServiceType ServiceType

	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string

	records []string
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (r *ResolvedService) PreferredIP() net.IP {
	if len(r.IPs) > 0 {
		return r.IPs[0]
	}
	return nil
}

// PeerAddress returns the address to send CoAP messages to.
func (r *ResolvedService) PeerAddress() (transport.PeerAddress, error) {
	ip := r.PreferredIP()
	if ip == nil {
		return transport.PeerAddress{}, ErrNoAddresses
	}
	switch r.ServiceType {
	case ServiceTypeUDP:
		return transport.NewUDPPeerAddress(&net.UDPAddr{IP: ip, Port: r.Port}), nil
	case ServiceTypeTCP:
		return transport.NewTCPPeerAddress(&net.TCPAddr{IP: ip, Port: r.Port}), nil
	}
	return transport.PeerAddress{}, ErrInvalidServiceType
}

// TXT decodes the service's TXT record.
func (r *ResolvedService) TXT() (*ServiceTXT, error) {
	return ParseServiceTXT(r.records)
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests. Both methods block until
// ctx is done or no more entries can arrive and never close entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return forward(ctx, entries, func(in chan *zeroconf.ServiceEntry) error {
		return z.resolver.Browse(ctx, service, domain, in)
	})
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return forward(ctx, entries, func(in chan *zeroconf.ServiceEntry) error {
		return z.resolver.Lookup(ctx, instance, service, domain, in)
	})
}

// forward runs a zeroconf query, which returns at once and closes its
// channel when ctx is done, and copies its entries to out.
func forward(ctx context.Context, out chan<- *zeroconf.ServiceEntry, start func(chan *zeroconf.ServiceEntry) error) error {
	in := make(chan *zeroconf.ServiceEntry)
	if err := start(in); err != nil {
		return err
	}
	for entry := range in {
		select {
		case out <- entry:
		case <-ctx.Done():
		}
	}
	return nil
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Resolver discovers CoAP services via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	r := &Resolver{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("discovery")
	}
	return r, nil
}

// Browse discovers services of serviceType. The returned channel receives
// services until the context is cancelled or the browse timeout expires.
func (r *Resolver) Browse(ctx context.Context, serviceType ServiceType) (<-chan ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	return r.browse(ctx, serviceType, serviceType.ServiceString()), nil
}

// BrowseResourceType discovers services advertising resource type rt
// through its subtype. grandcat/zeroconf takes subtypes as
// "<service>,<subtype>".
func (r *Resolver) BrowseResourceType(ctx context.Context, serviceType ServiceType, rt string) (<-chan ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	sub, ok := ResourceTypeSubtype(rt)
	if !ok {
		return nil, ErrInvalidTXTRecord
	}
	return r.browse(ctx, serviceType, serviceType.ServiceString()+","+sub), nil
}

// browse performs a generic browse operation.
func (r *Resolver) browse(ctx context.Context, serviceType ServiceType, service string) <-chan ResolvedService {
	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	ctx, cancel := r.withTimeout(ctx, r.config.BrowseTimeout)

	go func() {
		defer close(results)
		defer cancel()

		go func() {
			defer close(entries)
			if err := r.resolver.Browse(ctx, service, DefaultDomain, entries); err != nil && r.log != nil {
				r.log.Debugf("browse %s: %v", service, err)
			}
		}()

		for entry := range entries {
			svc := entryToResolvedService(entry, serviceType)
			select {
			case results <- svc:
			case <-ctx.Done():
				// Drain so the browse goroutine can finish.
				for range entries {
				}
				return
			}
		}
	}()

	return results
}

// Lookup looks up a specific service instance by name.
func (r *Resolver) Lookup(ctx context.Context, serviceType ServiceType, instanceName string) (*ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	if err := ValidateInstanceName(instanceName); err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx, r.config.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		defer close(entries)
		if err := r.resolver.Lookup(ctx, instanceName, serviceType.ServiceString(), DefaultDomain, entries); err != nil && r.log != nil {
			r.log.Debugf("lookup %s: %v", instanceName, err)
		}
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		svc := entryToResolvedService(entry, serviceType)
		return &svc, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Discover returns the first service of serviceType that advertises rt,
// or any service when rt is empty.
func (r *Resolver) Discover(ctx context.Context, serviceType ServiceType, rt string) (*ResolvedService, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		services <-chan ResolvedService
		err      error
	)
	if rt == "" {
		services, err = r.Browse(ctx, serviceType)
	} else {
		services, err = r.BrowseResourceType(ctx, serviceType, rt)
	}
	if err != nil {
		return nil, err
	}

	for svc := range services {
		if len(svc.IPs) == 0 {
			continue
		}
		return &svc, nil
	}
	return nil, ErrServiceNotFound
}

// withTimeout applies d unless ctx already has a deadline.
func (r *Resolver) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// entryToResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func entryToResolvedService(entry *zeroconf.ServiceEntry, serviceType ServiceType) ResolvedService {
	var allIPs []net.IP
	allIPs = append(allIPs, entry.AddrIPv6...)
	allIPs = append(allIPs, entry.AddrIPv4...)

	return ResolvedService{
		ServiceType:  serviceType,
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(allIPs),
		Text:         ParseTXT(entry.Text),
		records:      append([]string(nil), entry.Text...),
	}
}
