package coap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/oscore"
	"github.com/backkem/coap/pkg/transport"
)

// NotificationHandler receives the representations of an observed
// resource. It runs on the receive goroutine and must not block on
// requests to the same peer. A non-nil err ends the observation; it wraps
// ErrObservationEnded.
type NotificationHandler func(obs *Observation, msg *message.Message, err error)

// Observation is a client subscription to a remote resource.
type Observation struct {
	ep      *Endpoint
	peer    transport.PeerAddress
	path    string
	token   message.Token
	handler NotificationHandler

	// guarded by ep.lock
	binding *oscore.Binding
}

// Token returns the token shared by the registration and its
// notifications.
func (o *Observation) Token() message.Token {
	return append(message.Token(nil), o.token...)
}

// Peer returns the observed endpoint.
func (o *Observation) Peer() transport.PeerAddress { return o.peer }

// Path returns the observed resource path.
func (o *Observation) Path() string { return o.path }

// Observe registers interest in path on peer (RFC 7641). The registration
// response is delivered to handler as the first notification.
func (e *Endpoint) Observe(ctx context.Context, peer transport.PeerAddress, path string, handler NotificationHandler) (*Observation, error) {
	if !e.config.Observe {
		return nil, ErrObserveDisabled
	}
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	token, err := e.newToken()
	if err != nil {
		return nil, err
	}
	o := &Observation{
		ep:      e,
		peer:    peer,
		path:    normalizePath(path),
		token:   token,
		handler: handler,
	}

	resp, err := e.register(ctx, o)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		handler(o, resp, nil)
	}
	return o, nil
}

// register sends the GET with Observe=0 for o and, on a positive answer,
// records the observation before any notification can be processed.
func (e *Endpoint) register(ctx context.Context, o *Observation) (*message.Message, error) {
	req := message.NewRequest(message.Confirmable, message.GET, o.path)
	req.Token = o.token
	req.SetObserve(message.ObserveRegister)

	resp, err := e.exchange(ctx, o.peer, req, func(_ *exchange.Exchange, resp *message.Message, b *oscore.Binding) (*message.Message, error) {
		seq, ok := resp.Observe()
		if !ok || !resp.Code.IsSuccess() {
			return resp, fmt.Errorf("%w: %s answered %s", ErrNotObservable, o.path, resp.Code)
		}
		if _, err := e.observe.Register(observe.Registration{
			Token:    o.token,
			Resource: o.path,
			Role:     observe.RoleClient,
			Peer:     o.peer,
			Seq:      seq,
		}); err != nil {
			return nil, err
		}
		e.lock.Lock()
		o.binding = b
		e.observations[o.token.Key()] = o
		e.lock.Unlock()
		e.armExpiry(o.token, resp)
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.forget(o)
		}
		return nil, err
	}

	full, err := e.fetchBlock2(ctx, o.peer, req, resp)
	if err != nil {
		e.forget(o)
		return nil, err
	}
	return full, nil
}

// Cancel ends the observation locally and deregisters it on the server
// with a GET carrying Observe=1 (RFC 7641 Section 3.6).
func (o *Observation) Cancel(ctx context.Context) error {
	e := o.ep
	e.forget(o)

	req := message.NewRequest(message.Confirmable, message.GET, o.path)
	req.Token = o.token
	req.SetObserve(message.ObserveDeregister)
	_, err := e.exchange(ctx, o.peer, req, nil)
	return err
}

func (e *Endpoint) forget(o *Observation) {
	e.observe.Cancel(o.token)
	e.lock.Lock()
	if e.observations[o.token.Key()] == o {
		delete(e.observations, o.token.Key())
	}
	e.lock.Unlock()
}

func (e *Endpoint) armExpiry(token message.Token, msg *message.Message) {
	maxAge := DefaultMaxAge
	if v, ok, err := msg.Options.GetUint(message.MaxAge); err == nil && ok {
		maxAge = time.Duration(v) * time.Second
	}
	// A Max-Age of 0 still needs time for the next notification to arrive.
	maxAge += e.engine.Params().MaxTransmitWait()
	if err := e.observe.SetExpiry(token, maxAge); err != nil && e.log != nil {
		e.log.Debugf("cannot arm expiry for %s: %v", token, err)
	}
}

// unmatched receives RSTs and responses the engine could not match to an
// exchange: resets of notifications and inbound notifications.
func (e *Endpoint) unmatched(msg *message.Message, peer transport.PeerAddress) exchange.Verdict {
	if msg.Type == message.Reset {
		e.observe.HandleReset(peer, msg.MessageID)
		return exchange.VerdictAccept
	}
	if !e.config.Observe {
		return exchange.VerdictReject
	}

	e.lock.Lock()
	o := e.observations[msg.Token.Key()]
	var binding *oscore.Binding
	if o != nil {
		binding = o.binding
	}
	e.lock.Unlock()

	if o == nil {
		return e.restoredNotification(msg, peer)
	}
	if o.peer.String() != peer.String() {
		return exchange.VerdictReject
	}

	inner := msg
	if binding != nil {
		var err error
		if inner, err = e.security.UnprotectResponse(msg, binding); err != nil {
			e.securityFailure(peer, err)
			return exchange.VerdictDrop
		}
	} else if msg.Options.Has(message.OSCORE) {
		e.securityFailure(peer, oscore.ErrUnknownContext)
		return exchange.VerdictDrop
	}

	seq, ok := inner.Observe()
	if !ok {
		// A response without Observe ends the observation.
		e.forget(o)
		if o.handler != nil {
			o.handler(o, inner, fmt.Errorf("%w: final response %s", ErrObservationEnded, inner.Code))
		}
		return exchange.VerdictAccept
	}
	fresh, err := e.observe.Accept(o.token, seq)
	if err != nil {
		return exchange.VerdictReject
	}
	if !fresh {
		return exchange.VerdictAccept
	}
	e.armExpiry(o.token, inner)

	if b, ok, _ := inner.Block(message.Block2); ok && b.More && e.blocks.Enabled() {
		// The rest of the body is fetched off the receive goroutine.
		go func() {
			req := message.NewRequest(message.Confirmable, message.GET, o.path)
			full, err := e.fetchBlock2(context.Background(), o.peer, req, inner)
			if err != nil {
				if e.log != nil {
					e.log.Debugf("fetching notification body of %s failed: %v", o.token, err)
				}
				return
			}
			if o.handler != nil {
				o.handler(o, full, nil)
			}
		}()
		return exchange.VerdictAccept
	}
	if o.handler != nil {
		o.handler(o, inner, nil)
	}
	return exchange.VerdictAccept
}

// restoredNotification delivers a notification for an observation
// restored from storage, which has no handler or security binding.
func (e *Endpoint) restoredNotification(msg *message.Message, peer transport.PeerAddress) exchange.Verdict {
	obs, ok := e.observe.Get(msg.Token)
	if !ok || !obs.Restored || msg.Options.Has(message.OSCORE) {
		return exchange.VerdictReject
	}
	seq, ok := msg.Observe()
	if !ok {
		e.observe.Cancel(msg.Token)
		return exchange.VerdictAccept
	}
	fresh, err := e.observe.Accept(msg.Token, seq)
	if err != nil {
		return exchange.VerdictReject
	}
	if fresh && e.config.OnNotification != nil {
		e.config.OnNotification(obs, msg)
	}
	return exchange.VerdictAccept
}

// onObservationEnded is the observation manager's cancel hook.
func (e *Endpoint) onObservationEnded(obs observe.Observation, reason observe.Reason) {
	if obs.Role == observe.RoleServer {
		e.dropObserver(obs.Peer, obs.Token)
		return
	}
	e.lock.Lock()
	o := e.observations[obs.Token.Key()]
	delete(e.observations, obs.Token.Key())
	e.lock.Unlock()

	if o != nil && o.handler != nil {
		o.handler(o, nil, fmt.Errorf("%w: %s", ErrObservationEnded, reason))
	}
}

// onObservationExpired re-registers an observation whose last
// notification outlived its Max-Age (RFC 7641 Section 3.3.1).
func (e *Endpoint) onObservationExpired(obs observe.Observation) {
	e.lock.Lock()
	o := e.observations[obs.Token.Key()]
	e.lock.Unlock()
	if o == nil {
		return
	}

	go func() {
		if e.log != nil {
			e.log.Debugf("re-registering observation %s on %s", o.token, o.path)
		}
		resp, err := e.register(context.Background(), o)
		switch {
		case err == nil:
			if o.handler != nil {
				o.handler(o, resp, nil)
			}
		case errors.Is(err, ErrNotObservable), errors.Is(err, exchange.ErrResetReceived):
			e.forget(o)
			if o.handler != nil {
				o.handler(o, nil, fmt.Errorf("%w: %v", ErrObservationEnded, err))
			}
		case errors.Is(err, exchange.ErrExchangeTimedOut):
			if e.log != nil {
				e.log.Infof("re-registration of %s timed out", o.token)
			}
			if !e.observe.HandleTimeout(o.token) {
				e.armExpiry(o.token, &message.Message{})
			}
		default:
			// Not a timeout: keep the observation and try again after
			// another Max-Age.
			if e.log != nil {
				e.log.Infof("re-registration of %s failed: %v", o.token, err)
			}
			e.armExpiry(o.token, &message.Message{})
		}
	}()
}
