package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrExchangeTimedOut is reported when a CON exhausted its
	// retransmissions or a response did not arrive in time.
	ErrExchangeTimedOut = errors.New("exchange: exchange timed out")

	// ErrExchangeCancelled is reported when an exchange is cancelled locally.
	ErrExchangeCancelled = errors.New("exchange: exchange cancelled")

	// ErrResetReceived is reported when the peer rejected the message with RST.
	ErrResetReceived = errors.New("exchange: reset received")

	// ErrEngineClosed is returned when sending on a closed engine.
	ErrEngineClosed = errors.New("exchange: engine is closed")

	// ErrMessageIDsExhausted is returned when every message ID for a peer
	// is still within its lifetime.
	ErrMessageIDsExhausted = errors.New("exchange: no free message ID")

	// ErrTokenInUse is returned when a caller-supplied token already names
	// a pending exchange with the same peer.
	ErrTokenInUse = errors.New("exchange: token in use")

	// ErrInvalidMessage is returned when an outbound message cannot start
	// an exchange (ACK, RST or Empty types).
	ErrInvalidMessage = errors.New("exchange: invalid message")

	// ErrNoSender is returned when the engine has no transport.
	ErrNoSender = errors.New("exchange: no sender configured")
)
