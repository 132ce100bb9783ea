package coap

import (
	"github.com/backkem/coap/pkg/transport"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestEndpointPair provides two started Endpoints connected through
// in-memory pipes:
// Endpoint -> transport.Manager -> pipe -> transport.Manager -> Endpoint
//
// Usage:
//
//	pair, _ := coap.NewTestEndpointPair(coap.TestEndpointPairConfig{})
//	defer pair.Close()
//
//	pair.Endpoint(1).HandleFunc("hello", handler)
//	resp, err := pair.Endpoint(0).Get(ctx, pair.PeerAddress(1), "hello")
type TestEndpointPair struct {
	endpoints     [2]*Endpoint
	transportPair *transport.PipeManagerPair
	tcp           bool
}

// TestEndpointPairConfig configures the test endpoint pair.
type TestEndpointPairConfig struct {
	// TCP connects the endpoints over the stream pipe instead of UDP.
	TCP bool

	// Configs are the endpoint configurations. Zero values are replaced
	// by DefaultConfig; Sender is always overridden.
	Configs [2]*Config
}

// endpointHandlerWrapper routes transport messages to an endpoint that is
// created after the transport.
type endpointHandlerWrapper struct {
	endpoint *Endpoint
}

func (w *endpointHandlerWrapper) Handle(msg *transport.ReceivedMessage) {
	if w.endpoint != nil {
		w.endpoint.HandleInbound(msg)
	}
}

// NewTestEndpointPair creates two started endpoints connected via virtual
// pipe.
func NewTestEndpointPair(config TestEndpointPairConfig) (*TestEndpointPair, error) {
	pair := &TestEndpointPair{tcp: config.TCP}

	wrappers := [2]*endpointHandlerWrapper{{}, {}}
	transportPair, err := transport.NewPipeManagerPair(transport.PipeManagerConfig{
		UDP: !config.TCP,
		TCP: config.TCP,
		Handlers: [2]transport.MessageHandler{
			wrappers[0].Handle,
			wrappers[1].Handle,
		},
	})
	if err != nil {
		return nil, err
	}
	pair.transportPair = transportPair

	for i := 0; i < 2; i++ {
		cfg := DefaultConfig()
		if config.Configs[i] != nil {
			cfg = *config.Configs[i]
		}
		cfg.Sender = transportPair.Manager(i)
		ep, err := NewEndpoint(cfg)
		if err != nil {
			pair.Close()
			return nil, err
		}
		if err := ep.Start(); err != nil {
			ep.Close()
			pair.Close()
			return nil, err
		}
		pair.endpoints[i] = ep
		wrappers[i].endpoint = ep
	}
	return pair, nil
}

// Endpoint returns the endpoint at the given index (0 or 1).
func (p *TestEndpointPair) Endpoint(idx int) *Endpoint {
	return p.endpoints[idx]
}

// PeerAddress returns the address for sending TO the endpoint at idx.
func (p *TestEndpointPair) PeerAddress(idx int) transport.PeerAddress {
	addrs := p.transportPair.PeerAddresses(idx)
	if p.tcp {
		return addrs.TCP
	}
	return addrs.UDP
}

// Pipe returns the datagram pipe for network simulation, or nil over TCP.
func (p *TestEndpointPair) Pipe() *transport.Pipe {
	return p.transportPair.Pipe()
}

// Close closes both endpoints and the pipes.
func (p *TestEndpointPair) Close() {
	for i := 0; i < 2; i++ {
		if p.endpoints[i] != nil {
			p.endpoints[i].Close()
		}
	}
	if p.transportPair != nil {
		p.transportPair.Close()
	}
}
