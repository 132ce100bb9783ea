package coap

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/backkem/coap/pkg/block"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/oscore"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Endpoint is a CoAP client and server on one set of transports.
type Endpoint struct {
	config Config
	log    logging.LeveledLogger

	// lock is shared with the engine, the block and observation managers
	// and the security contexts. It guards the maps below and is never
	// held while calling into those components.
	lock sync.Locker

	// mu guards the lifecycle state.
	mu    sync.Mutex
	state EndpointState

	scheduler      sched.Scheduler
	ownedScheduler *sched.TimerScheduler
	transport      atomic.Pointer[transport.Manager]

	engine   *exchange.Engine
	blocks   *block.Manager
	observe  *observe.Manager
	security *oscore.Wrapper

	resources    map[string]Resource
	contexts     []*oscore.Context
	peerContexts map[string]*oscore.Context
	observations map[string]*Observation    // client handles by token
	observers    map[string]*oscore.Binding // secured server observations by peer and token
}

// senderFunc adapts a function to exchange.Sender.
type senderFunc func(data []byte, peer transport.PeerAddress) error

func (f senderFunc) Send(data []byte, peer transport.PeerAddress) error { return f(data, peer) }

// NewEndpoint creates an endpoint. It restores persisted state from
// config.Storage but does not open any transport; call Start.
func NewEndpoint(config Config) (*Endpoint, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	e := &Endpoint{
		config:       config,
		lock:         sched.NewLocker(config.ThreadSafe),
		state:        EndpointStateInitialized,
		resources:    make(map[string]Resource),
		peerContexts: make(map[string]*oscore.Context),
		observations: make(map[string]*Observation),
		observers:    make(map[string]*oscore.Binding),
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("coap")
	}

	e.scheduler = config.Scheduler
	if e.scheduler == nil {
		e.ownedScheduler = sched.NewTimerScheduler()
		e.scheduler = e.ownedScheduler
	}

	e.engine = exchange.NewEngine(exchange.Config{
		Sender:             senderFunc(e.send),
		Scheduler:          e.scheduler,
		Locker:             e.lock,
		Params:             config.Params(),
		Random:             config.Random,
		TokenLength:        config.TokenLength,
		Handler:            e.serve,
		Unmatched:          e.unmatched,
		DiagnosticMessages: config.DiagnosticMessages,
		Metrics:            config.Metrics,
		LoggerFactory:      config.LoggerFactory,
	})

	var maxMessagePayload int
	if config.MaxMessageSize > 0 {
		maxMessagePayload = config.MaxMessageSize - 128
	}
	e.blocks = block.NewManager(block.ManagerConfig{
		Enabled:           config.BlockWise,
		SZX:               message.SizeToSZX(config.BlockSize),
		MaxMessagePayload: maxMessagePayload,
		MaxPayloadSize:    config.MaxPayloadSize,
		Lifetime:          e.engine.Params().ExchangeLifetime(),
		Scheduler:         e.scheduler,
		Locker:            e.lock,
		LoggerFactory:     config.LoggerFactory,
	})

	e.observe = observe.NewManager(observe.Config{
		Scheduler:       e.scheduler,
		Locker:          e.lock,
		NotifyCacheSize: config.NotifyCacheSize,
		CancelOnTimeout: config.ObserveCancelOnTimeout,
		Persistence:     config.ObservePersistence,
		OnCancel:        e.onObservationEnded,
		OnExpire:        e.onObservationExpired,
		Metrics:         config.Metrics,
		LoggerFactory:   config.LoggerFactory,
	})

	if config.OSCORE {
		e.security = oscore.NewWrapper(oscore.WrapperConfig{
			Locker:        e.lock,
			LoggerFactory: config.LoggerFactory,
		})
	}

	if err := e.restoreState(); err != nil {
		e.shutdown()
		return nil, err
	}

	for i := range config.Security {
		if err := e.addConfiguredContext(config.Security[i]); err != nil {
			e.shutdown()
			return nil, fmt.Errorf("security[%d]: %w", i, err)
		}
	}
	return e, nil
}

func (e *Endpoint) addConfiguredContext(sc SecurityConfig) error {
	cfg, err := sc.context()
	if err != nil {
		return err
	}
	ctx, err := e.AddSecurityContext(cfg)
	if err != nil {
		return err
	}
	if sc.Peer != "" {
		peer, err := ParsePeer(sc.Peer)
		if err != nil {
			return err
		}
		e.SetPeerContext(peer, ctx)
	}
	return nil
}

// Start opens the configured transports. With Config.Sender set no
// transport is opened and inbound messages are fed through HandleInbound.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CanStart() {
		if e.state == EndpointStateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	e.state = EndpointStateStarting

	if e.config.Sender == nil {
		if err := e.startTransport(); err != nil {
			e.state = EndpointStateInitialized
			return err
		}
	}

	e.state = EndpointStateRunning
	if e.log != nil {
		e.log.Infof("endpoint started (udp=%v tcp=%v block=%v observe=%v oscore=%v)",
			e.config.UDP, e.config.TCP, e.config.BlockWise, e.config.Observe, e.config.OSCORE)
	}
	return nil
}

func (e *Endpoint) startTransport() error {
	tm, err := transport.NewManager(transport.ManagerConfig{
		Port:              e.config.Port,
		AnyPort:           e.config.AnyPort,
		UDPEnabled:        e.config.UDP,
		TCPEnabled:        e.config.TCP,
		TCPSendCSM:        e.config.TCPSendCSM,
		MaxUDPMessageSize: e.config.MaxMessageSize,
		MessageHandler:    e.engine.Handle,
		LoggerFactory:     e.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	if err := tm.Start(); err != nil {
		tm.Stop()
		return err
	}
	e.transport.Store(tm)
	return nil
}

// Close saves persistent state, fails every open exchange and releases
// the transports. Closing twice is a no-op.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if !e.state.CanStop() {
		e.mu.Unlock()
		return nil
	}
	e.state = EndpointStateStopping
	e.mu.Unlock()

	err := e.SaveState()
	if err != nil && e.log != nil {
		e.log.Warnf("failed to save state: %v", err)
	}
	e.shutdown()

	e.mu.Lock()
	e.state = EndpointStateClosed
	e.mu.Unlock()

	if e.log != nil {
		e.log.Info("endpoint closed")
	}
	return err
}

func (e *Endpoint) shutdown() {
	e.engine.Close()
	e.blocks.Close()
	e.observe.Close()

	e.lock.Lock()
	e.observations = make(map[string]*Observation)
	e.observers = make(map[string]*oscore.Binding)
	e.lock.Unlock()

	if tm := e.transport.Swap(nil); tm != nil {
		tm.Stop()
	}
	if e.ownedScheduler != nil {
		e.ownedScheduler.Stop()
	}
}

// Config returns the resolved configuration.
func (e *Endpoint) Config() Config {
	return e.config
}

// State returns the lifecycle state.
func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HandleInbound processes one inbound datagram or TCP frame. Use it with
// Config.Sender; the built-in transports call it themselves.
func (e *Endpoint) HandleInbound(rm *transport.ReceivedMessage) {
	e.engine.Handle(rm)
}

// LocalAddresses returns the addresses of the built-in transports.
func (e *Endpoint) LocalAddresses() []net.Addr {
	if tm := e.transport.Load(); tm != nil {
		return tm.LocalAddresses()
	}
	return nil
}

// Observations returns every observation the endpoint tracks, client and
// server side.
func (e *Endpoint) Observations() []observe.Observation {
	return e.observe.List()
}

// AddSecurityContext derives an OSCORE context and accepts requests
// protected with it. A sender sequence number saved by an earlier run
// raises config.InitialSequence so nonces are never reused.
func (e *Endpoint) AddSecurityContext(config oscore.Config) (*oscore.Context, error) {
	if e.security == nil {
		return nil, ErrOSCOREDisabled
	}
	if seq, ok, err := e.loadSequence(config.RecipientID); err != nil {
		return nil, err
	} else if ok && seq > config.InitialSequence {
		config.InitialSequence = seq
	}
	ctx, err := e.security.AddContext(config)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	for i, old := range e.contexts {
		if string(old.RecipientID()) == string(ctx.RecipientID()) {
			e.contexts = append(e.contexts[:i], e.contexts[i+1:]...)
			break
		}
	}
	e.contexts = append(e.contexts, ctx)
	e.lock.Unlock()
	return ctx, nil
}

// SetPeerContext protects every request to peer with ctx. A nil ctx sends
// requests to peer unprotected again.
func (e *Endpoint) SetPeerContext(peer transport.PeerAddress, ctx *oscore.Context) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ctx == nil {
		delete(e.peerContexts, peer.String())
		return
	}
	e.peerContexts[peer.String()] = ctx
}

func (e *Endpoint) peerContext(peer transport.PeerAddress) *oscore.Context {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.peerContexts[peer.String()]
}

func (e *Endpoint) send(data []byte, peer transport.PeerAddress) error {
	if e.config.Sender != nil {
		return e.config.Sender.Send(data, peer)
	}
	tm := e.transport.Load()
	if tm == nil {
		return ErrNotStarted
	}
	return tm.Send(data, peer)
}

func (e *Endpoint) checkRunning() error {
	switch s := e.State(); {
	case s.IsRunning():
		return nil
	case s == EndpointStateInitialized, s == EndpointStateStarting:
		return ErrNotStarted
	default:
		return ErrClosed
	}
}

func (e *Endpoint) newToken() (message.Token, error) {
	n := e.config.TokenLength
	if n <= 0 {
		n = exchange.DefaultTokenLength
	}
	tok := make(message.Token, n)
	if _, err := rand.Read(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// securityFailure counts and logs an inbound message dropped by OSCORE.
func (e *Endpoint) securityFailure(peer transport.PeerAddress, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, oscore.ErrReplayDetected):
		reason = "replay"
	case errors.Is(err, oscore.ErrAuthenticationFailed):
		reason = "authentication"
	case errors.Is(err, oscore.ErrUnknownContext):
		reason = "unknown_context"
	case errors.Is(err, oscore.ErrContextExhausted):
		reason = "exhausted"
	case errors.Is(err, oscore.ErrNotProtected):
		reason = "not_protected"
	}
	e.config.Metrics.SecurityFailure(reason)
	if e.log != nil {
		e.log.Warnf("dropped message from %s: %v", peer, err)
	}
}

func observerKey(peer transport.PeerAddress, token message.Token) string {
	return peer.String() + "|" + token.Key()
}
