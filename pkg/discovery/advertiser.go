package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port.
const DefaultPort = transport.DefaultPort

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// activeService tracks an active DNS-SD service registration.
type activeService struct {
	server      MDNSServer
	serviceType ServiceType
	txt         ServiceTXT
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// InstanceName is the DNS-SD instance label shared by all advertised
	// services. If empty, DefaultInstanceName is used.
	InstanceName string

	// Port is the CoAP port to advertise (default: 5683).
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes _coap._udp and _coap._tcp services.
type Advertiser struct {
	config   AdvertiserConfig
	factory  MDNSServerFactory
	log      logging.LeveledLogger
	mu       sync.RWMutex
	services map[ServiceType]*activeService
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if config.InstanceName == "" {
		config.InstanceName = DefaultInstanceName()
	}
	if err := ValidateInstanceName(config.InstanceName); err != nil {
		return nil, err
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:   config,
		factory:  factory,
		services: make(map[ServiceType]*activeService),
	}

	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}

	return a, nil
}

// Start begins advertising serviceType. Every resource type in txt that is
// a valid DNS label is also published as a subtype
// (_<rt>._sub._coap._udp) so browsers can filter on it.
func (a *Advertiser) Start(serviceType ServiceType, txt ServiceTXT) error {
	if !serviceType.IsValid() {
		return ErrInvalidServiceType
	}
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.services[serviceType]; exists {
		return ErrAlreadyStarted
	}

	// grandcat/zeroconf parses comma-separated subtypes and creates the
	// PTR records (_temperature._sub._coap._udp.local.)
	service := serviceType.ServiceString()
	var subtypes []string
	for _, rt := range txt.ResourceTypes {
		if sub, ok := ResourceTypeSubtype(rt); ok {
			subtypes = append(subtypes, sub)
			service += "," + sub
		}
	}

	records := txt.Encode()
	if a.log != nil {
		a.log.Debugf("Registering mDNS service: instance=%s service=%s domain=%s port=%d subtypes=%v",
			a.config.InstanceName, serviceType.ServiceString(), DefaultDomain, a.config.Port, subtypes)
		a.log.Tracef("TXT records: %v", records)
	}

	server, err := a.factory.Register(
		a.config.InstanceName,
		service,
		DefaultDomain,
		a.config.Port,
		records,
		a.config.Interfaces,
	)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed for %s: %w", serviceType.ServiceString(), err)
	}

	if a.log != nil {
		a.log.Infof("advertising %s as %q on port %d", serviceType.ServiceString(), a.config.InstanceName, a.config.Port)
	}

	a.services[serviceType] = &activeService{
		server:      server,
		serviceType: serviceType,
		txt:         txt,
	}
	return nil
}

// Update replaces the TXT record of an active service by registering it
// again.
func (a *Advertiser) Update(serviceType ServiceType, txt ServiceTXT) error {
	if err := a.Stop(serviceType); err != nil {
		return err
	}
	return a.Start(serviceType, txt)
}

// Stop stops advertising a specific service type.
func (a *Advertiser) Stop(serviceType ServiceType) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	svc, exists := a.services[serviceType]
	if !exists {
		return ErrNotStarted
	}

	svc.server.Shutdown()
	delete(a.services, serviceType)

	return nil
}

// StopAll stops all active service advertisements.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, svc := range a.services {
		svc.server.Shutdown()
	}
	a.services = make(map[ServiceType]*activeService)
}

// Close stops all services and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	for _, svc := range a.services {
		svc.server.Shutdown()
	}
	a.services = nil
	a.closed = true

	return nil
}

// IsAdvertising returns true if the given service type is currently being advertised.
func (a *Advertiser) IsAdvertising(serviceType ServiceType) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.services[serviceType]
	return exists
}

// InstanceName returns the advertised instance label.
func (a *Advertiser) InstanceName() string {
	return a.config.InstanceName
}

// TXT returns the record of an active service.
func (a *Advertiser) TXT(serviceType ServiceType) (ServiceTXT, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if svc, exists := a.services[serviceType]; exists {
		return svc.txt, true
	}
	return ServiceTXT{}, false
}

// ResourceTypeSubtype returns the DNS-SD subtype label for rt. Resource
// types that are not valid DNS labels (dots, spaces, over 62 bytes) have
// no subtype.
func ResourceTypeSubtype(rt string) (string, bool) {
	if rt == "" || len(rt) > 62 {
		return "", false
	}
	for i := 0; i < len(rt); i++ {
		c := rt[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return "", false
		}
	}
	return "_" + rt, true
}

// AdvertiserWithContext wraps an Advertiser with context support.
type AdvertiserWithContext struct {
	*Advertiser
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAdvertiserWithContext creates an Advertiser that is closed when ctx
// is done.
func NewAdvertiserWithContext(ctx context.Context, config AdvertiserConfig) (*AdvertiserWithContext, error) {
	adv, err := NewAdvertiser(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	awc := &AdvertiserWithContext{
		Advertiser: adv,
		ctx:        ctx,
		cancel:     cancel,
	}

	go func() {
		<-ctx.Done()
		adv.Close()
	}()

	return awc, nil
}

// Close cancels the context and closes the advertiser.
func (a *AdvertiserWithContext) Close() error {
	a.cancel()
	return a.Advertiser.Close()
}
