package coap

import (
	"errors"
	"strings"

	"github.com/backkem/coap/pkg/block"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/oscore"
	"github.com/backkem/coap/pkg/transport"
)

// Request is an inbound request after OSCORE unprotection and block-wise
// reassembly.
type Request struct {
	// Message is the reassembled request; Block1 is removed.
	Message *message.Message

	// Peer is the remote endpoint.
	Peer transport.PeerAddress

	// Secured is set when the request was OSCORE protected.
	Secured bool
}

// Handler serves requests for one resource. The returned response is
// completed by the endpoint; nil sends no response.
type Handler interface {
	ServeCoAP(req *Request) *message.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) *message.Message

// ServeCoAP calls f(req).
func (f HandlerFunc) ServeCoAP(req *Request) *message.Message {
	return f(req)
}

// Resource describes a served path.
type Resource struct {
	Handler Handler

	// Observable accepts Observe registrations (RFC 7641) on GET and FETCH.
	Observable bool

	// Secure answers unprotected requests with 4.01 Unauthorized.
	Secure bool
}

// Handle registers r at path, replacing any previous resource.
func (e *Endpoint) Handle(path string, r Resource) {
	e.lock.Lock()
	e.resources[normalizePath(path)] = r
	e.lock.Unlock()
}

// HandleFunc registers a plain, non-observable resource.
func (e *Endpoint) HandleFunc(path string, f func(req *Request) *message.Message) {
	e.Handle(path, Resource{Handler: HandlerFunc(f)})
}

// RemoveResource unregisters path. Its observers receive no further
// notifications.
func (e *Endpoint) RemoveResource(path string) {
	e.lock.Lock()
	delete(e.resources, normalizePath(path))
	e.lock.Unlock()
}

func normalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}

// serve is the engine's request handler.
func (e *Endpoint) serve(req *message.Message, peer transport.PeerAddress) *message.Message {
	if !req.Options.Has(message.OSCORE) {
		return e.serveInner(req, peer, nil)
	}
	if e.security == nil {
		return exchange.NewErrorResponse(req, message.BadOption, ErrOSCOREDisabled, e.config.DiagnosticMessages)
	}
	inner, binding, err := e.security.UnprotectRequest(req)
	if err != nil {
		e.securityFailure(peer, err)
		return nil
	}

	resp := e.serveInner(inner, peer, binding)
	if resp == nil {
		return nil
	}
	out, err := e.security.ProtectResponse(resp, binding)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("cannot protect response to %s: %v", peer, err)
		}
		return exchange.NewErrorResponse(req, message.InternalServerError, err, e.config.DiagnosticMessages)
	}
	return out
}

func (e *Endpoint) serveInner(req *message.Message, peer transport.PeerAddress, binding *oscore.Binding) *message.Message {
	diag := e.config.DiagnosticMessages

	if e.blocks.Enabled() {
		if opt, ok, err := req.Block(message.Block2); err != nil {
			return exchange.NewErrorResponse(req, message.BadOption, err, diag)
		} else if ok && opt.Num > 0 {
			resp, err := e.blocks.ServeResponseBlock(peer.String(), req, opt)
			switch {
			case err == nil:
				resp.Options = resp.Options.Remove(message.Observe)
				return resp
			case !errors.Is(err, block.ErrTransferNotFound):
				return exchange.NewErrorResponse(req, block.ErrorCode(err), err, diag)
			}
			// No stored body: regenerate it and cut the requested block.
			return e.serveStateless(req, peer, binding, opt)
		}
	}

	var ack *message.BlockOption
	if e.blocks.Enabled() {
		opt, ok, err := req.Block(message.Block1)
		if err != nil {
			return exchange.NewErrorResponse(req, message.BadOption, err, diag)
		}
		if ok {
			res, err := e.blocks.ReceiveRequestBlock(peer.String(), req, opt)
			if err != nil {
				e.config.Metrics.BlockTransfer("in", false)
				return exchange.NewErrorResponse(req, block.ErrorCode(err), err, diag)
			}
			if !res.Complete {
				resp := message.NewResponse(req, message.Continue)
				if err := resp.SetBlock(message.Block1, res.Ack); err != nil {
					return exchange.NewErrorResponse(req, message.InternalServerError, err, diag)
				}
				return resp
			}
			e.config.Metrics.BlockTransfer("in", true)
			req = req.Clone()
			req.Payload = res.Payload
			req.Options = req.Options.Remove(message.Block1).Remove(message.Size1)
			ack = &res.Ack
		}
	}

	resp := e.dispatch(req, peer, binding)
	if resp == nil {
		return nil
	}
	if ack != nil {
		if err := resp.SetBlock(message.Block1, *ack); err != nil {
			return exchange.NewErrorResponse(req, message.InternalServerError, err, diag)
		}
	}

	if !e.blocks.Enabled() {
		if err := e.blocks.CheckSend(resp.Payload); err != nil {
			return exchange.NewErrorResponse(req, message.InternalServerError, err, diag)
		}
		return resp
	}
	out, err := e.blocks.StartResponse(peer.String(), req, resp)
	if err != nil {
		return exchange.NewErrorResponse(req, message.InternalServerError, err, diag)
	}
	if out != resp {
		e.config.Metrics.BlockTransfer("out", true)
	}
	return out
}

// serveStateless answers a Block2 continuation whose transfer expired by
// running the handler again and returning the requested block.
func (e *Endpoint) serveStateless(req *message.Message, peer transport.PeerAddress, binding *oscore.Binding, opt message.BlockOption) *message.Message {
	resp := e.dispatch(req, peer, binding)
	if resp == nil || !resp.Code.IsSuccess() {
		return resp
	}
	szx := opt.SZX
	if szx > e.blocks.SZX() {
		szx = e.blocks.SZX()
	}
	size := message.SZXToSize(szx)
	s := block.NewSender(resp.Payload, szx)
	b, chunk, err := s.Block(uint32(opt.Offset() / size))
	if err != nil {
		return exchange.NewErrorResponse(req, block.ErrorCode(err), err, e.config.DiagnosticMessages)
	}
	out := resp.Clone()
	out.Options = out.Options.Remove(message.Observe)
	out.Payload = append([]byte(nil), chunk...)
	if err := out.SetBlock(message.Block2, b); err != nil {
		return exchange.NewErrorResponse(req, message.InternalServerError, err, e.config.DiagnosticMessages)
	}
	return out
}

// dispatch routes a complete request to its resource and applies the
// Observe option.
func (e *Endpoint) dispatch(req *message.Message, peer transport.PeerAddress, binding *oscore.Binding) *message.Message {
	path := req.Path()
	e.lock.Lock()
	res, ok := e.resources[path]
	e.lock.Unlock()

	if !ok || res.Handler == nil {
		return exchange.NewErrorResponse(req, message.NotFound, nil, false)
	}
	if res.Secure && binding == nil {
		return exchange.NewErrorResponse(req, message.Unauthorized, oscore.ErrNotProtected, e.config.DiagnosticMessages)
	}

	obsValue, hasObserve := req.Observe()
	observable := hasObserve && e.config.Observe && res.Observable &&
		(req.Code == message.GET || req.Code == message.FETCH)
	if observable && obsValue == message.ObserveDeregister {
		e.observe.Deregister(peer, req.Token)
	}

	resp := res.Handler.ServeCoAP(&Request{Message: req, Peer: peer, Secured: binding != nil})
	if resp == nil {
		return nil
	}
	resp.Options = resp.Options.Remove(message.Observe)
	if !observable || obsValue != message.ObserveRegister {
		return resp
	}

	if !resp.Code.IsSuccess() {
		e.observe.CancelObserver(peer, req.Token)
		e.dropObserver(peer, req.Token)
		return resp
	}
	seq, err := e.observe.NextSequence(peer, req.Token)
	if err != nil {
		seq = 0
	}
	if _, err := e.observe.Register(observe.Registration{
		Token:    req.Token,
		Resource: path,
		Role:     observe.RoleServer,
		Peer:     peer,
		Seq:      seq,
	}); err != nil {
		if e.log != nil {
			e.log.Warnf("observe registration from %s failed: %v", peer, err)
		}
		return resp
	}
	e.lock.Lock()
	if binding != nil {
		e.observers[observerKey(peer, req.Token)] = binding
	} else {
		delete(e.observers, observerKey(peer, req.Token))
	}
	e.lock.Unlock()

	resp.SetObserve(seq)
	return resp
}

func (e *Endpoint) dropObserver(peer transport.PeerAddress, token message.Token) {
	e.lock.Lock()
	delete(e.observers, observerKey(peer, token))
	e.lock.Unlock()
}

// Notify sends msg to every observer of resource. Each copy gets the
// observer's token, the next sequence number and, for secured
// observations, OSCORE protection; bodies larger than one block carry
// their first block and the observer fetches the rest. Notify returns the
// number of notifications sent.
func (e *Endpoint) Notify(resource string, msg *message.Message) (int, error) {
	if !e.config.Observe {
		return 0, ErrObserveDisabled
	}
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	path := normalizePath(resource)

	sent := 0
	var lastErr error
	for _, obs := range e.observe.Observers(path) {
		if err := e.notify(obs, path, msg); err != nil {
			lastErr = err
			if e.log != nil {
				e.log.Debugf("notification to %s failed: %v", obs.Peer, err)
			}
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return 0, lastErr
	}
	return sent, nil
}

func (e *Endpoint) notify(obs observe.Observation, path string, tmpl *message.Message) error {
	seq, err := e.observe.NextSequence(obs.Peer, obs.Token)
	if err != nil {
		return err
	}
	msg := tmpl.Clone()
	msg.Type = message.NonConfirmable
	if e.config.ConfirmableNotifications {
		msg.Type = message.Confirmable
	}
	msg.MessageID = 0
	msg.Token = append(message.Token(nil), obs.Token...)
	msg.SetObserve(seq)

	if e.blocks.Enabled() {
		req := message.NewRequest(message.Confirmable, message.GET, path)
		if msg, err = e.blocks.StartResponse(obs.Peer.String(), req, msg); err != nil {
			return err
		}
	} else if err := e.blocks.CheckSend(msg.Payload); err != nil {
		return err
	}

	e.lock.Lock()
	binding := e.observers[observerKey(obs.Peer, obs.Token)]
	e.lock.Unlock()
	if binding != nil {
		if msg, err = e.security.ProtectResponse(msg, binding); err != nil {
			return err
		}
	}

	peer, token := obs.Peer, obs.Token
	ex, err := e.engine.SendNotification(peer, msg, func(ex *exchange.Exchange, _ *message.Message, err error) {
		switch {
		case errors.Is(err, exchange.ErrResetReceived):
			if !e.observe.HandleReset(peer, ex.MessageID()) {
				e.observe.CancelObserver(peer, token)
				e.dropObserver(peer, token)
			}
		case errors.Is(err, exchange.ErrExchangeTimedOut):
			e.observe.HandleObserverTimeout(peer, token)
		}
	})
	if err != nil {
		return err
	}
	e.observe.RecordNotification(peer, ex.MessageID(), token)
	return nil
}
