// Package exchange implements the CoAP message layer and request/response
// exchanges (RFC 7252 Sections 4 and 5.3, RFC 8323 for reliable transports).
//
// The Engine sits between the transport (pkg/transport) and the endpoint
// (pkg/coap). It provides:
//
//   - Reliability: retransmission of confirmable messages with exponential
//     backoff, acknowledgement and reset matching by message ID
//   - Deduplication: replay of the cached reply for repeated message IDs
//   - Request/response matching by token, including separate responses
//   - Message ID and token allocation
//
// An Exchange is one outbound request (or notification) and its outcome.
// Inbound requests are handed to a RequestHandler and answered inline.
//
// The Engine never polls: every timeout is a callback on a sched.Scheduler.
package exchange

// ExchangeState tracks the lifecycle of an exchange.
//
//	Idle -> AwaitingAck -> AwaitingResponse -> Completed
//
// TimedOut and Cancelled are terminal and reachable from any non-terminal
// state.
type ExchangeState int

const (
	// ExchangeStateIdle indicates an exchange that has not been sent.
	ExchangeStateIdle ExchangeState = iota

	// ExchangeStateAwaitingAck indicates a CON waiting for ACK or RST.
	// Retransmissions run in this state.
	ExchangeStateAwaitingAck

	// ExchangeStateAwaitingResponse indicates a request waiting for its
	// response: after an empty ACK, or for NON and TCP requests.
	ExchangeStateAwaitingResponse

	// ExchangeStateCompleted indicates a response (or, for exchanges
	// that expect none, delivery) was observed.
	ExchangeStateCompleted

	// ExchangeStateTimedOut indicates retransmissions or the response
	// wait ran out.
	ExchangeStateTimedOut

	// ExchangeStateCancelled indicates local cancellation or a reset
	// from the peer.
	ExchangeStateCancelled
)

// String returns a human-readable name for the exchange state.
func (s ExchangeState) String() string {
	switch s {
	case ExchangeStateIdle:
		return "Idle"
	case ExchangeStateAwaitingAck:
		return "AwaitingAck"
	case ExchangeStateAwaitingResponse:
		return "AwaitingResponse"
	case ExchangeStateCompleted:
		return "Completed"
	case ExchangeStateTimedOut:
		return "TimedOut"
	case ExchangeStateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s ExchangeState) IsValid() bool {
	return s >= ExchangeStateIdle && s <= ExchangeStateCancelled
}

// IsTerminal returns true once no further transitions are possible.
func (s ExchangeState) IsTerminal() bool {
	return s == ExchangeStateCompleted || s == ExchangeStateTimedOut || s == ExchangeStateCancelled
}
