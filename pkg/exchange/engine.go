package exchange

import (
	"fmt"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// DefaultTokenLength is the length of generated tokens.
const DefaultTokenLength = 8

// Sender transmits encoded messages. transport.Manager satisfies it.
type Sender interface {
	Send(data []byte, peer transport.PeerAddress) error
}

// RequestHandler serves an inbound request. The returned response is
// completed by the engine: token, type and message ID are filled in.
// Returning nil sends no response (an empty ACK still acknowledges a CON).
// Handlers run outside the engine lock.
type RequestHandler func(req *message.Message, peer transport.PeerAddress) *message.Message

// Verdict is a consumer's decision on an inbound response.
type Verdict int

const (
	// VerdictReject answers a CON response with RST.
	VerdictReject Verdict = iota
	// VerdictAccept acknowledges a CON response.
	VerdictAccept
	// VerdictDrop discards the message silently: no ACK and no RST.
	VerdictDrop
)

// UnmatchedHandler receives responses and resets that match no exchange,
// typically observe notifications. The verdict is ignored for resets.
type UnmatchedHandler func(msg *message.Message, peer transport.PeerAddress) Verdict

// Metrics receives engine events. All methods must be cheap and
// non-blocking.
type Metrics interface {
	MessageSent(t message.Type)
	Retransmission()
	DuplicateReceived()
	MalformedReceived()
	ExchangeCompleted(state ExchangeState)
}

type nopMetrics struct{}

func (nopMetrics) MessageSent(message.Type)        {}
func (nopMetrics) Retransmission()                 {}
func (nopMetrics) DuplicateReceived()              {}
func (nopMetrics) MalformedReceived()              {}
func (nopMetrics) ExchangeCompleted(ExchangeState) {}

// Config configures an Engine.
type Config struct {
	// Sender transmits encoded messages. Required.
	Sender Sender

	// Scheduler drives retransmission and expiry. Required.
	Scheduler sched.Scheduler

	// Locker guards engine state. Share it with the other components of
	// an endpoint. Defaults to a mutex.
	Locker sync.Locker

	// Params are the transmission parameters.
	Params Params

	// Random supplies retransmission jitter. Defaults to math/rand.
	Random RandomSource

	// TokenLength is the length of generated tokens (0..8).
	// Zero means DefaultTokenLength.
	TokenLength int

	// Handler serves inbound requests. Nil answers 4.04.
	Handler RequestHandler

	// Unmatched receives responses and resets without an exchange.
	Unmatched UnmatchedHandler

	// DiagnosticMessages adds a diagnostic payload to error responses
	// generated by the engine.
	DiagnosticMessages bool

	// Metrics receives engine events. Optional.
	Metrics Metrics

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	c.Params.applyDefaults()
	if c.Locker == nil {
		c.Locker = &sync.Mutex{}
	}
	if c.TokenLength <= 0 || c.TokenLength > message.MaxTokenLength {
		c.TokenLength = DefaultTokenLength
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
}

// Engine runs the CoAP message layer for one endpoint.
//
// All state is guarded by the configured Locker. The lock is released
// before calling the Sender, the Scheduler, handlers and callbacks.
type Engine struct {
	config  Config
	log     logging.LeveledLogger
	lock    sync.Locker
	backoff *BackoffCalculator

	// exchanges awaiting a response, by (peer, token).
	exchanges map[tokenKey]*Exchange
	// datagram exchanges awaiting ACK or RST, by (peer, message ID).
	pending map[midKey]*Exchange

	dedup  *dedupCache
	mids   *midAllocator
	closed bool
}

// NewEngine creates an Engine.
func NewEngine(config Config) *Engine {
	config.applyDefaults()
	p := config.Params
	e := &Engine{
		config:    config,
		lock:      config.Locker,
		backoff:   NewBackoffCalculator(p, config.Random),
		exchanges: make(map[tokenKey]*Exchange),
		pending:   make(map[midKey]*Exchange),
		dedup:     newDedupCache(p.ExchangeLifetime(), p.NonLifetime()),
		mids:      newMIDAllocator(p.ExchangeLifetime()),
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("coap-exchange")
	}
	return e
}

// Params returns the effective transmission parameters.
func (e *Engine) Params() Params {
	return e.config.Params
}

// Send transmits msg to peer and tracks it as an exchange. Over datagram
// transports msg must be CON or NON; a message ID is always allocated.
// When opts.ExpectResponse is set and msg has no token, one is generated.
//
// cb runs once when the exchange terminates. For exchanges that complete
// on transmission (NON without response) it runs before Send returns.
// A transmission failure is returned directly and cb is not called.
func (e *Engine) Send(peer transport.PeerAddress, msg *message.Message, opts SendOptions, cb Callback) (*Exchange, error) {
	return e.send(peer, msg, opts, cb, false)
}

// Ping checks peer liveness: an empty CON answered by RST over datagram
// transports (RFC 7252 Section 4.3), or a 7.02 Ping answered by Pong over
// reliable transports (RFC 8323 Section 5.4).
func (e *Engine) Ping(peer transport.PeerAddress, cb Callback) (*Exchange, error) {
	if isReliable(peer) {
		return e.send(peer, &message.Message{Code: message.Ping}, SendOptions{ExpectResponse: true}, cb, true)
	}
	return e.send(peer, &message.Message{Type: message.Confirmable, Code: message.Empty}, SendOptions{}, cb, true)
}

// SendNotification sends an Observe notification that reuses the
// observer's token. A CON notification completes on ACK and fails with
// ErrResetReceived if the observer rejects it; a NON completes once sent.
func (e *Engine) SendNotification(peer transport.PeerAddress, msg *message.Message, cb Callback) (*Exchange, error) {
	return e.send(peer, msg, SendOptions{}, cb, false)
}

func (e *Engine) send(peer transport.PeerAddress, msg *message.Message, opts SendOptions, cb Callback, ping bool) (*Exchange, error) {
	if e.config.Sender == nil {
		return nil, ErrNoSender
	}
	reliable := isReliable(peer)
	if !reliable && msg.Type != message.Confirmable && msg.Type != message.NonConfirmable {
		return nil, fmt.Errorf("%w: cannot start an exchange with %s", ErrInvalidMessage, msg.Type)
	}

	ex := &Exchange{
		engine:     e,
		peer:       peer,
		peerKey:    peer.String(),
		msg:        msg.Clone(),
		opts:       opts,
		ping:       ping,
		callback:   cb,
		retransmit: sched.NewTimer(e.config.Scheduler),
		deadline:   sched.NewTimer(e.config.Scheduler),
	}

	now := e.config.Scheduler.Now()

	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil, ErrEngineClosed
	}
	if err := e.assignIDsLocked(ex, reliable); err != nil {
		e.lock.Unlock()
		return nil, err
	}
	data, err := encode(ex.msg, reliable)
	if err != nil {
		e.lock.Unlock()
		return nil, err
	}
	ex.data = data
	ex.sentAt = now

	switch {
	case !reliable && ex.msg.Type == message.Confirmable:
		ex.state = ExchangeStateAwaitingAck
		ex.timeout = e.backoff.Initial()
		e.pending[ex.midKey()] = ex
	case opts.ExpectResponse:
		ex.state = ExchangeStateAwaitingResponse
		if !reliable {
			e.pending[ex.midKey()] = ex
		}
	default:
		ex.state = ExchangeStateCompleted
	}
	if opts.ExpectResponse {
		e.exchanges[ex.tokenKey()] = ex
	}
	state, timeout := ex.state, ex.timeout
	e.lock.Unlock()

	if err := e.transmit(ex.data, peer, ex.msg); err != nil {
		e.lock.Lock()
		e.removeLocked(ex)
		ex.state = ExchangeStateCancelled
		ex.err = err
		e.lock.Unlock()
		return nil, err
	}

	switch state {
	case ExchangeStateAwaitingAck:
		e.armRetransmit(ex, timeout)
	case ExchangeStateAwaitingResponse:
		e.armDeadline(ex)
	case ExchangeStateCompleted:
		e.finish(ex)
	}
	return ex, nil
}

func (e *Engine) assignIDsLocked(ex *Exchange, reliable bool) error {
	if ex.opts.ExpectResponse {
		if len(ex.msg.Token) == 0 {
			for {
				ex.msg.Token = newToken(e.config.TokenLength)
				if _, busy := e.exchanges[ex.tokenKey()]; !busy {
					break
				}
			}
		} else if _, busy := e.exchanges[ex.tokenKey()]; busy {
			return fmt.Errorf("%w: %s", ErrTokenInUse, ex.msg.Token)
		}
	}
	if reliable {
		ex.msg.MessageID = 0
		return nil
	}
	mid, err := e.mids.allocate(ex.peerKey, e.config.Scheduler.Now())
	if err != nil {
		return err
	}
	ex.msg.MessageID = mid
	return nil
}

// Cancel stops tracking ex and cancels its timers. The callback is not
// invoked. Idempotent, and safe from within the exchange's own callback.
func (e *Engine) Cancel(ex *Exchange) {
	e.lock.Lock()
	if ex.state.IsTerminal() {
		e.lock.Unlock()
		return
	}
	ex.state = ExchangeStateCancelled
	ex.err = ErrExchangeCancelled
	e.removeLocked(ex)
	e.lock.Unlock()

	ex.retransmit.Stop()
	ex.deadline.Stop()
	e.config.Metrics.ExchangeCompleted(ExchangeStateCancelled)
	if e.log != nil {
		e.log.Debugf("exchange %s with %s cancelled", ex.msg.Token, ex.peer)
	}
}

// Pending returns the number of exchanges awaiting ACK or response.
func (e *Engine) Pending() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	seen := make(map[*Exchange]struct{}, len(e.exchanges)+len(e.pending))
	for _, ex := range e.exchanges {
		seen[ex] = struct{}{}
	}
	for _, ex := range e.pending {
		seen[ex] = struct{}{}
	}
	return len(seen)
}

// Close terminates every open exchange with ErrEngineClosed and rejects
// further sends.
func (e *Engine) Close() error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil
	}
	e.closed = true
	var open []*Exchange
	seen := make(map[*Exchange]struct{})
	collect := func(ex *Exchange) {
		if _, ok := seen[ex]; ok || ex.state.IsTerminal() {
			return
		}
		seen[ex] = struct{}{}
		ex.state = ExchangeStateCancelled
		ex.err = ErrEngineClosed
		open = append(open, ex)
	}
	for _, ex := range e.exchanges {
		collect(ex)
	}
	for _, ex := range e.pending {
		collect(ex)
	}
	e.exchanges = make(map[tokenKey]*Exchange)
	e.pending = make(map[midKey]*Exchange)
	e.lock.Unlock()

	for _, ex := range open {
		e.finish(ex)
	}
	return nil
}

// Handle decodes and processes a datagram or frame from the transport.
// It has the transport.MessageHandler signature.
func (e *Engine) Handle(rm *transport.ReceivedMessage) {
	reliable := isReliable(rm.PeerAddr)
	var (
		msg *message.Message
		err error
	)
	if reliable {
		msg, err = message.DecodeTCP(rm.Data)
	} else {
		msg, err = message.Decode(rm.Data)
	}
	if err != nil {
		e.handleMalformed(rm, reliable, err)
		return
	}
	e.HandleMessage(msg, rm.PeerAddr)
}

// HandleMessage processes a decoded inbound message.
func (e *Engine) HandleMessage(msg *message.Message, peer transport.PeerAddress) {
	if e.log != nil {
		e.log.Tracef("recv %s from %s", msg, peer)
	}
	if isReliable(peer) {
		e.handleReliable(msg, peer)
		return
	}
	switch msg.Type {
	case message.Acknowledgement:
		e.handleAck(msg, peer)
	case message.Reset:
		e.handleReset(msg, peer)
	default:
		if msg.Code.IsEmpty() {
			if msg.Type == message.Confirmable {
				e.reply(message.NewReset(msg.MessageID), peer)
			}
			return
		}
		e.handleIncoming(msg, peer)
	}
}

// handleMalformed rejects a CON whose header could be read with RST
// (RFC 7252 Section 4.2) and drops everything else.
func (e *Engine) handleMalformed(rm *transport.ReceivedMessage, reliable bool, err error) {
	e.config.Metrics.MalformedReceived()
	if e.log != nil {
		e.log.Debugf("malformed message from %s: %v", rm.PeerAddr, err)
	}
	data := rm.Data
	if reliable || len(data) < message.HeaderSize || data[0]>>6 != message.Version {
		return
	}
	if message.Type((data[0]>>4)&0x03) == message.Confirmable {
		mid := uint16(data[2])<<8 | uint16(data[3])
		e.reply(message.NewReset(mid), rm.PeerAddr)
	}
}

func (e *Engine) handleAck(msg *message.Message, peer transport.PeerAddress) {
	key := midKey{peer: peer.String(), mid: msg.MessageID}

	e.lock.Lock()
	ex, ok := e.pending[key]
	if !ok || ex.state != ExchangeStateAwaitingAck {
		e.lock.Unlock()
		if e.log != nil {
			e.log.Debugf("unmatched ACK mid=%d from %s", msg.MessageID, peer)
		}
		return
	}
	if !msg.Code.IsEmpty() && !msg.Token.Equal(ex.msg.Token) {
		e.lock.Unlock()
		if e.log != nil {
			e.log.Debugf("ACK mid=%d from %s carries token %s, want %s", msg.MessageID, peer, msg.Token, ex.msg.Token)
		}
		return
	}

	if msg.Code.IsEmpty() {
		delete(e.pending, key)
		if ex.opts.ExpectResponse {
			ex.state = ExchangeStateAwaitingResponse
			e.lock.Unlock()
			ex.retransmit.Stop()
			e.armDeadline(ex)
			return
		}
		ex.state = ExchangeStateCompleted
		e.removeLocked(ex)
		e.lock.Unlock()
		e.finish(ex)
		return
	}
	e.lock.Unlock()

	resp, ok := e.accept(ex, msg, peer)
	if !ok {
		return
	}

	e.lock.Lock()
	if e.pending[key] != ex || ex.state != ExchangeStateAwaitingAck {
		e.lock.Unlock()
		return
	}
	ex.state = ExchangeStateCompleted
	ex.response = resp
	e.removeLocked(ex)
	e.lock.Unlock()
	e.finish(ex)
}

// accept runs the response validator of ex. It reports false when the
// response must be discarded.
func (e *Engine) accept(ex *Exchange, msg *message.Message, peer transport.PeerAddress) (*message.Message, bool) {
	if ex.opts.Accept == nil {
		return msg, true
	}
	resp, err := ex.opts.Accept(msg)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("discarded response %s from %s for %s: %v", msg, peer, ex.msg.Token, err)
		}
		return nil, false
	}
	if resp == nil {
		resp = msg
	}
	return resp, true
}

func (e *Engine) handleReset(msg *message.Message, peer transport.PeerAddress) {
	key := midKey{peer: peer.String(), mid: msg.MessageID}

	e.lock.Lock()
	ex, ok := e.pending[key]
	if !ok || ex.state.IsTerminal() {
		e.lock.Unlock()
		if e.config.Unmatched != nil {
			e.config.Unmatched(msg, peer)
		}
		return
	}
	if ex.ping {
		ex.state = ExchangeStateCompleted
	} else {
		ex.state = ExchangeStateCancelled
		ex.err = ErrResetReceived
	}
	e.removeLocked(ex)
	e.lock.Unlock()
	e.finish(ex)
}

// handleIncoming processes CON and NON requests and separate responses.
func (e *Engine) handleIncoming(msg *message.Message, peer transport.PeerAddress) {
	key := midKey{peer: peer.String(), mid: msg.MessageID}
	now := e.config.Scheduler.Now()

	e.lock.Lock()
	if entry, dup := e.dedup.lookup(key, now); dup {
		cached := entry.reply
		e.lock.Unlock()
		e.config.Metrics.DuplicateReceived()
		if e.log != nil {
			e.log.Debugf("duplicate mid=%d from %s", msg.MessageID, peer)
		}
		if cached != nil {
			e.transmitRaw(cached, peer)
		}
		return
	}
	entry := e.dedup.insert(key, msg.Type == message.Confirmable, now)
	e.lock.Unlock()

	var reply *message.Message
	switch {
	case msg.Code.IsRequest():
		reply = e.serve(msg, peer)
	case msg.Code.IsResponse():
		var drop bool
		if reply, drop = e.handleResponse(msg, peer); drop {
			// A later copy of this message ID may be the genuine one.
			e.lock.Lock()
			e.dedup.remove(entry)
			e.lock.Unlock()
			return
		}
	case msg.Type == message.Confirmable:
		reply = message.NewReset(msg.MessageID)
	}
	if reply == nil {
		return
	}

	data, err := encode(reply, false)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("failed to encode reply to %s: %v", peer, err)
		}
		return
	}
	e.lock.Lock()
	entry.reply = data
	e.lock.Unlock()
	_ = e.transmit(data, peer, reply)
}

// serve runs the request handler and completes the reply for a datagram
// request.
func (e *Engine) serve(req *message.Message, peer transport.PeerAddress) *message.Message {
	resp := e.dispatch(req, peer)
	if resp == nil {
		if req.Type == message.Confirmable {
			return message.NewEmptyACK(req.MessageID)
		}
		return nil
	}
	resp.Token = append(message.Token(nil), req.Token...)
	if req.Type == message.Confirmable {
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
		return resp
	}
	resp.Type = message.NonConfirmable
	e.lock.Lock()
	mid, err := e.mids.allocate(peer.String(), e.config.Scheduler.Now())
	e.lock.Unlock()
	if err != nil {
		if e.log != nil {
			e.log.Warnf("cannot answer %s: %v", peer, err)
		}
		return nil
	}
	resp.MessageID = mid
	return resp
}

func (e *Engine) dispatch(req *message.Message, peer transport.PeerAddress) *message.Message {
	if id, bad := req.Options.UnrecognizedCritical(); bad {
		return NewErrorResponse(req, message.BadOption,
			fmt.Errorf("unrecognized critical option %d", uint16(id)), e.config.DiagnosticMessages)
	}
	if e.config.Handler == nil {
		return NewErrorResponse(req, message.NotFound, nil, false)
	}
	return e.config.Handler(req, peer)
}

// handleResponse matches a separate response by token. It returns the
// empty ACK, RST or nil to send back, and reports whether the response
// was dropped.
func (e *Engine) handleResponse(msg *message.Message, peer transport.PeerAddress) (*message.Message, bool) {
	verdict, matched := e.completeByToken(msg, peer)
	if !matched && e.config.Unmatched != nil {
		verdict = e.config.Unmatched(msg, peer)
	}
	switch verdict {
	case VerdictAccept:
		if msg.Type == message.Confirmable {
			return message.NewEmptyACK(msg.MessageID), false
		}
		return nil, false
	case VerdictDrop:
		return nil, true
	}
	if e.log != nil {
		e.log.Debugf("unmatched response %s from %s", msg, peer)
	}
	if msg.Type == message.Confirmable {
		return message.NewReset(msg.MessageID), false
	}
	return nil, false
}

// completeByToken completes the exchange msg answers. matched is false
// when no open exchange carries the token.
func (e *Engine) completeByToken(msg *message.Message, peer transport.PeerAddress) (verdict Verdict, matched bool) {
	key := tokenKey{peer: peer.String(), token: msg.Token.Key()}

	e.lock.Lock()
	ex, ok := e.exchanges[key]
	if !ok || ex.state.IsTerminal() {
		e.lock.Unlock()
		return VerdictReject, false
	}
	e.lock.Unlock()

	resp, ok := e.accept(ex, msg, peer)
	if !ok {
		return VerdictDrop, true
	}

	e.lock.Lock()
	if e.exchanges[key] != ex || ex.state.IsTerminal() {
		// Another copy completed it first.
		e.lock.Unlock()
		return VerdictAccept, true
	}
	ex.state = ExchangeStateCompleted
	ex.response = resp
	e.removeLocked(ex)
	e.lock.Unlock()

	e.finish(ex)
	return VerdictAccept, true
}

// handleReliable processes a frame from a reliable transport. There is
// no message layer: no ACK, RST or deduplication.
func (e *Engine) handleReliable(msg *message.Message, peer transport.PeerAddress) {
	switch {
	case msg.Code == message.Ping:
		e.reply(&message.Message{Code: message.Pong, Token: msg.Token}, peer)
	case msg.Code == message.Pong:
		e.completeByToken(msg, peer)
	case msg.Code.IsSignaling():
		if e.log != nil {
			e.log.Debugf("signaling %s from %s", msg.Code, peer)
		}
	case msg.Code.IsRequest():
		resp := e.dispatch(msg, peer)
		if resp == nil {
			return
		}
		resp.Token = append(message.Token(nil), msg.Token...)
		e.reply(resp, peer)
	case msg.Code.IsResponse():
		if _, matched := e.completeByToken(msg, peer); !matched && e.config.Unmatched != nil {
			e.config.Unmatched(msg, peer)
		}
	}
}

// finish reports a terminal exchange. The caller moved ex to its
// terminal state under the lock.
func (e *Engine) finish(ex *Exchange) {
	ex.retransmit.Stop()
	ex.deadline.Stop()
	e.config.Metrics.ExchangeCompleted(ex.state)
	if e.log != nil {
		e.log.Debugf("exchange %s with %s %s after %d retransmissions", ex.msg.Token, ex.peer, ex.state, ex.retransmits)
	}
	if ex.callback != nil {
		ex.callback(ex, ex.response, ex.err)
	}
}

func (e *Engine) removeLocked(ex *Exchange) {
	if e.exchanges[ex.tokenKey()] == ex {
		delete(e.exchanges, ex.tokenKey())
	}
	if e.pending[ex.midKey()] == ex {
		delete(e.pending, ex.midKey())
	}
}

// reply encodes and sends msg without tracking.
func (e *Engine) reply(msg *message.Message, peer transport.PeerAddress) {
	data, err := encode(msg, isReliable(peer))
	if err != nil {
		if e.log != nil {
			e.log.Warnf("failed to encode reply to %s: %v", peer, err)
		}
		return
	}
	_ = e.transmit(data, peer, msg)
}

func (e *Engine) transmit(data []byte, peer transport.PeerAddress, msg *message.Message) error {
	if e.log != nil {
		e.log.Tracef("send %s to %s", msg, peer)
	}
	if err := e.config.Sender.Send(data, peer); err != nil {
		if e.log != nil {
			e.log.Warnf("send to %s failed: %v", peer, err)
		}
		return err
	}
	e.config.Metrics.MessageSent(msg.Type)
	return nil
}

func (e *Engine) transmitRaw(data []byte, peer transport.PeerAddress) {
	if err := e.config.Sender.Send(data, peer); err != nil && e.log != nil {
		e.log.Warnf("send to %s failed: %v", peer, err)
	}
}

// NewErrorResponse builds a 4.xx/5.xx response to req. When diagnostic is
// set and err is non-nil, err's text becomes the payload
// (RFC 7252 Section 5.5.2).
func NewErrorResponse(req *message.Message, code message.Code, err error, diagnostic bool) *message.Message {
	resp := message.NewResponse(req, code)
	if diagnostic && err != nil {
		resp.Payload = []byte(err.Error())
	}
	return resp
}

func encode(msg *message.Message, reliable bool) ([]byte, error) {
	if reliable {
		return msg.MarshalTCP()
	}
	return msg.MarshalBinary()
}

func isReliable(peer transport.PeerAddress) bool {
	return peer.TransportType.Reliable()
}
