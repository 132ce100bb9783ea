package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/transport"
)

// Callback reports the outcome of an exchange. It runs exactly once, after
// the exchange reached a terminal state, and never under the engine lock.
// resp is nil for failures and for exchanges that expect no response.
type Callback func(ex *Exchange, resp *message.Message, err error)

// SendOptions controls how an outbound message is tracked.
type SendOptions struct {
	// ExpectResponse keeps the exchange open until a response with the
	// same token arrives. When false the exchange completes on ACK (CON)
	// or right after transmission (NON and reliable transports);
	// notifications are sent this way.
	ExpectResponse bool

	// Accept validates a matching response before it completes the
	// exchange and may replace it, for example with its decrypted form.
	// A non-nil error discards the response: the exchange stays open and
	// retransmission or the response deadline continue. Accept runs
	// outside the engine lock.
	Accept func(resp *message.Message) (*message.Message, error)
}

// Exchange is one outbound message and its outcome.
type Exchange struct {
	engine  *Engine
	peer    transport.PeerAddress
	peerKey string
	msg     *message.Message
	data    []byte
	opts    SendOptions
	ping    bool

	state       ExchangeState
	retransmits int
	timeout     time.Duration
	retransmit  *sched.Timer
	deadline    *sched.Timer
	callback    Callback
	sentAt      time.Time

	response *message.Message
	err      error
}

// Token returns the exchange token.
func (ex *Exchange) Token() message.Token {
	return ex.msg.Token
}

// MessageID returns the message ID of the outbound message.
func (ex *Exchange) MessageID() uint16 {
	return ex.msg.MessageID
}

// Message returns the message as sent.
func (ex *Exchange) Message() *message.Message {
	return ex.msg
}

// SentAt returns when the message was first transmitted.
func (ex *Exchange) SentAt() time.Time {
	return ex.sentAt
}

// Peer returns the remote address.
func (ex *Exchange) Peer() transport.PeerAddress {
	return ex.peer
}

// State returns the current lifecycle state.
func (ex *Exchange) State() ExchangeState {
	ex.engine.lock.Lock()
	defer ex.engine.lock.Unlock()
	return ex.state
}

// Retransmits returns how many times the message was retransmitted.
func (ex *Exchange) Retransmits() int {
	ex.engine.lock.Lock()
	defer ex.engine.lock.Unlock()
	return ex.retransmits
}

// Response returns the response once the exchange completed.
func (ex *Exchange) Response() *message.Message {
	ex.engine.lock.Lock()
	defer ex.engine.lock.Unlock()
	return ex.response
}

// Err returns the failure of a terminated exchange.
func (ex *Exchange) Err() error {
	ex.engine.lock.Lock()
	defer ex.engine.lock.Unlock()
	return ex.err
}

// Cancel is shorthand for Engine.Cancel.
func (ex *Exchange) Cancel() {
	ex.engine.Cancel(ex)
}

func (ex *Exchange) tokenKey() tokenKey {
	return tokenKey{peer: ex.peerKey, token: ex.msg.Token.Key()}
}

func (ex *Exchange) midKey() midKey {
	return midKey{peer: ex.peerKey, mid: ex.msg.MessageID}
}

type tokenKey struct {
	peer  string
	token string
}
