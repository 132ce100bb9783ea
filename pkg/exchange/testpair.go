package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/transport"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestEnginePair provides two Engines connected through in-memory pipes.
// Messages travel the full stack:
// Engine -> transport.Manager -> pipe -> transport.Manager -> Engine -> RequestHandler
//
// Usage:
//
//	pair, _ := exchange.NewTestEnginePair(exchange.TestEnginePairConfig{UDP: true})
//	defer pair.Close()
//
//	req := message.NewRequest(message.Confirmable, message.GET, "/hello")
//	pair.Engine(0).Send(pair.PeerAddress(1, false), req, exchange.SendOptions{ExpectResponse: true}, cb)
type TestEnginePair struct {
	engines       [2]*Engine
	schedulers    [2]*sched.TimerScheduler
	transportPair *transport.PipeManagerPair
	received      [2]chan *message.Message
}

// TestEnginePairConfig configures the test engine pair.
type TestEnginePairConfig struct {
	// UDP enables UDP transport (default: true if neither set)
	UDP bool
	// TCP enables TCP transport
	TCP bool

	// Params override the transmission parameters of both engines.
	Params Params

	// Handlers serve requests on each side. A nil handler echoes the
	// request payload with 2.05 Content.
	Handlers [2]RequestHandler
}

// engineHandlerWrapper routes transport messages to an engine that is
// created after the transport.
type engineHandlerWrapper struct {
	engine *Engine
}

func (w *engineHandlerWrapper) Handle(msg *transport.ReceivedMessage) {
	if w.engine != nil {
		w.engine.Handle(msg)
	}
}

// NewTestEnginePair creates two engines connected via virtual pipe.
func NewTestEnginePair(config TestEnginePairConfig) (*TestEnginePair, error) {
	if !config.UDP && !config.TCP {
		config.UDP = true
	}

	pair := &TestEnginePair{
		received: [2]chan *message.Message{
			make(chan *message.Message, 100),
			make(chan *message.Message, 100),
		},
	}

	wrappers := [2]*engineHandlerWrapper{{}, {}}
	transportPair, err := transport.NewPipeManagerPair(transport.PipeManagerConfig{
		UDP: config.UDP,
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
		idx := i
		handler := config.Handlers[i]
		if handler == nil {
			handler = echoHandler
		}
		pair.schedulers[i] = sched.NewTimerScheduler()
		pair.engines[i] = NewEngine(Config{
			Sender:    transportPair.Manager(i),
			Scheduler: pair.schedulers[i],
			Params:    config.Params,
			Handler: func(req *message.Message, peer transport.PeerAddress) *message.Message {
				select {
				case pair.received[idx] <- req.Clone():
				default:
				}
				return handler(req, peer)
			},
		})
		wrappers[i].engine = pair.engines[i]
	}

	return pair, nil
}

func echoHandler(req *message.Message, _ transport.PeerAddress) *message.Message {
	resp := message.NewResponse(req, message.Content)
	resp.Payload = append([]byte(nil), req.Payload...)
	return resp
}

// Engine returns the engine at the given index (0 or 1).
func (p *TestEnginePair) Engine(idx int) *Engine {
	return p.engines[idx]
}

// PeerAddress returns the peer address for sending to the given index.
// Use PeerAddress(1, false) when sending FROM engine 0 TO engine 1.
func (p *TestEnginePair) PeerAddress(idx int, tcp bool) transport.PeerAddress {
	addrs := p.transportPair.PeerAddresses(idx)
	if tcp {
		return addrs.TCP
	}
	return addrs.UDP
}

// WaitForRequest waits for a request to reach the handler of the given engine.
func (p *TestEnginePair) WaitForRequest(idx int, timeout time.Duration) (*message.Message, bool) {
	select {
	case msg := <-p.received[idx]:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Pipe returns the underlying pipe for network simulation.
func (p *TestEnginePair) Pipe() *transport.Pipe {
	return p.transportPair.Pipe()
}

// Close cleans up all resources.
func (p *TestEnginePair) Close() {
	for i := 0; i < 2; i++ {
		if p.engines[i] != nil {
			p.engines[i].Close()
		}
		if p.schedulers[i] != nil {
			p.schedulers[i].Stop()
		}
	}
	if p.transportPair != nil {
		p.transportPair.Close()
	}
}
