package coap

import (
	"context"
	"fmt"

	"github.com/backkem/coap/pkg/block"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/oscore"
	"github.com/backkem/coap/pkg/transport"
)

// responseHook runs inside the exchange callback, on the goroutine that
// received the response, before the next message from the peer is read.
type responseHook func(ex *exchange.Exchange, resp *message.Message, b *oscore.Binding) (*message.Message, error)

type result struct {
	resp *message.Message
	err  error
}

// Do sends req to peer and waits for the complete response. Bodies larger
// than one block are sent with Block1 and responses carrying Block2 are
// fetched in full. A zero Type sends the request confirmable.
func (e *Endpoint) Do(ctx context.Context, peer transport.PeerAddress, req *message.Message) (*message.Message, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	if !req.Code.IsRequest() {
		return nil, fmt.Errorf("%w: %s is not a method", exchange.ErrInvalidMessage, req.Code)
	}
	if err := e.blocks.CheckSend(req.Payload); err != nil {
		return nil, err
	}

	var (
		resp *message.Message
		err  error
	)
	if e.blocks.Enabled() && block.NeedsBlockwise(req.Payload, e.blocks.SZX()) {
		resp, err = e.sendBlock1(ctx, peer, req)
	} else {
		resp, err = e.exchange(ctx, peer, req, nil)
	}
	if err != nil {
		return nil, err
	}
	return e.fetchBlock2(ctx, peer, req, resp)
}

// Get fetches path from peer.
func (e *Endpoint) Get(ctx context.Context, peer transport.PeerAddress, path string) (*message.Message, error) {
	return e.Do(ctx, peer, message.NewRequest(message.Confirmable, message.GET, path))
}

// Post sends payload to path with POST.
func (e *Endpoint) Post(ctx context.Context, peer transport.PeerAddress, path string, payload []byte) (*message.Message, error) {
	req := message.NewRequest(message.Confirmable, message.POST, path)
	req.Payload = payload
	return e.Do(ctx, peer, req)
}

// Put sends payload to path with PUT.
func (e *Endpoint) Put(ctx context.Context, peer transport.PeerAddress, path string, payload []byte) (*message.Message, error) {
	req := message.NewRequest(message.Confirmable, message.PUT, path)
	req.Payload = payload
	return e.Do(ctx, peer, req)
}

// Delete deletes path.
func (e *Endpoint) Delete(ctx context.Context, peer transport.PeerAddress, path string) (*message.Message, error) {
	return e.Do(ctx, peer, message.NewRequest(message.Confirmable, message.DELETE, path))
}

// Ping checks that peer is alive: an empty CON answered with RST over UDP,
// a 7.02 Ping answered with Pong over TCP.
func (e *Endpoint) Ping(ctx context.Context, peer transport.PeerAddress) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	ex, err := e.engine.Ping(peer, func(_ *exchange.Exchange, _ *message.Message, err error) {
		ch <- err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		e.engine.Cancel(ex)
		return ctx.Err()
	}
}

// exchange runs one request/response round trip, protecting the request
// when peer has a security context.
func (e *Endpoint) exchange(ctx context.Context, peer transport.PeerAddress, req *message.Message, hook responseHook) (*message.Message, error) {
	out := req
	var binding *oscore.Binding
	if sec := e.peerContext(peer); sec != nil {
		var err error
		if out, binding, err = e.security.ProtectRequest(req, sec); err != nil {
			return nil, err
		}
	}

	opts := exchange.SendOptions{ExpectResponse: true}
	if binding != nil {
		// A response that fails verification is dropped; the request
		// stays open for the genuine one.
		opts.Accept = func(resp *message.Message) (*message.Message, error) {
			return e.unprotectResponse(peer, resp, binding)
		}
	}

	ch := make(chan result, 1)
	ex, err := e.engine.Send(peer, out, opts, func(ex *exchange.Exchange, resp *message.Message, err error) {
		if err == nil && hook != nil {
			resp, err = hook(ex, resp, binding)
		}
		ch <- result{resp: resp, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		e.engine.Cancel(ex)
		return nil, ctx.Err()
	}
}

func (e *Endpoint) unprotectResponse(peer transport.PeerAddress, resp *message.Message, b *oscore.Binding) (*message.Message, error) {
	inner, err := e.security.UnprotectResponse(resp, b)
	if err != nil {
		e.securityFailure(peer, err)
		return nil, err
	}
	return inner, nil
}

// sendBlock1 sends the body of req in Block1 chunks under one token,
// following the block size the server asks for.
func (e *Endpoint) sendBlock1(ctx context.Context, peer transport.PeerAddress, req *message.Message) (*message.Message, error) {
	token := req.Token
	if len(token) == 0 {
		var err error
		if token, err = e.newToken(); err != nil {
			return nil, err
		}
	}
	s := block.NewSender(req.Payload, e.blocks.SZX())

	for {
		opt, chunk, err := s.Current()
		if err != nil {
			e.config.Metrics.BlockTransfer("out", false)
			return nil, err
		}
		m := req.Clone()
		m.Token = token
		m.Payload = append([]byte(nil), chunk...)
		if err := m.SetBlock(message.Block1, opt); err != nil {
			return nil, err
		}
		if opt.Num == 0 {
			m.Options = m.Options.SetUint(message.Size1, uint32(s.Total()))
		}

		resp, err := e.exchange(ctx, peer, m, nil)
		if err != nil {
			e.config.Metrics.BlockTransfer("out", false)
			return nil, err
		}
		if resp.Code != message.Continue {
			// Final response, or the server gave up on the transfer.
			e.config.Metrics.BlockTransfer("out", resp.Code.IsSuccess())
			return resp, nil
		}

		ack, ok, err := resp.Block(message.Block1)
		if err != nil || !ok {
			e.config.Metrics.BlockTransfer("out", false)
			return nil, fmt.Errorf("%w: 2.31 Continue without Block1", ErrUnexpectedResponse)
		}
		done, err := s.Advance(ack.Num)
		if err != nil {
			e.config.Metrics.BlockTransfer("out", false)
			return nil, err
		}
		if done {
			e.config.Metrics.BlockTransfer("out", false)
			return nil, fmt.Errorf("%w: 2.31 Continue for the last block", ErrUnexpectedResponse)
		}
		s.Negotiate(ack.SZX)
	}
}

// fetchBlock2 completes a response that carries the first Block2 of a
// larger body by requesting the remaining blocks with fresh tokens.
func (e *Endpoint) fetchBlock2(ctx context.Context, peer transport.PeerAddress, req, first *message.Message) (*message.Message, error) {
	opt, ok, err := first.Block(message.Block2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if !ok || !e.blocks.Enabled() {
		return first, nil
	}
	if !opt.More && opt.Num == 0 {
		out := first.Clone()
		out.Options = out.Options.Remove(message.Block2).Remove(message.Size2)
		return out, nil
	}

	r := block.NewReceiver(e.blocks.MaxPayloadSize())
	if _, err := r.Add(opt, first.Payload); err != nil {
		e.config.Metrics.BlockTransfer("in", false)
		return nil, err
	}

	for !r.Complete() {
		m := req.Clone()
		m.Token = nil
		m.Payload = nil
		m.Options = m.Options.Remove(message.Block1).Remove(message.Size1).Remove(message.Observe)
		if err := m.SetBlock(message.Block2, message.BlockOption{Num: r.Next(), SZX: r.SZX()}); err != nil {
			return nil, err
		}

		resp, err := e.exchange(ctx, peer, m, nil)
		if err != nil {
			e.config.Metrics.BlockTransfer("in", false)
			return nil, err
		}
		if !resp.Code.IsSuccess() {
			e.config.Metrics.BlockTransfer("in", false)
			return nil, fmt.Errorf("%w: block %d answered %s", ErrUnexpectedResponse, r.Next(), resp.Code)
		}
		bo, ok, err := resp.Block(message.Block2)
		if err != nil || !ok {
			e.config.Metrics.BlockTransfer("in", false)
			return nil, fmt.Errorf("%w: continuation without Block2", ErrUnexpectedResponse)
		}
		before := r.Buffered()
		if _, err := r.Add(bo, resp.Payload); err != nil {
			e.config.Metrics.BlockTransfer("in", false)
			return nil, err
		}
		if r.Buffered() == before && !r.Complete() {
			e.config.Metrics.BlockTransfer("in", false)
			return nil, fmt.Errorf("%w: block %d repeated", ErrUnexpectedResponse, bo.Num)
		}
	}
	e.config.Metrics.BlockTransfer("in", true)

	out := first.Clone()
	out.Payload = r.Payload()
	out.Options = out.Options.Remove(message.Block2).Remove(message.Size2)
	return out, nil
}
