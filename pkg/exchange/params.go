package exchange

import "time"

// Transmission parameters from RFC 7252 Section 4.8.
const (
	// DefaultAckTimeout is the base retransmission timeout.
	// RFC 7252: ACK_TIMEOUT = 2s
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor scales the initial timeout into
	// [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR].
	// RFC 7252: ACK_RANDOM_FACTOR = 1.5
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is the number of retransmissions of a
	// confirmable message before the exchange times out.
	// RFC 7252: MAX_RETRANSMIT = 4
	DefaultMaxRetransmit = 4

	// DefaultNStart bounds outstanding interactions per peer.
	// RFC 7252: NSTART = 1. Informational; the engine does not queue.
	DefaultNStart = 1

	// MaxLatency is the assumed maximum one-way datagram transit time.
	// RFC 7252: MAX_LATENCY = 100s
	MaxLatency = 100 * time.Second
)

// Params holds the transmission parameters of an Engine.
// Zero fields take the RFC 7252 defaults.
type Params struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int

	// ResponseTimeout bounds the wait for a separate response after an
	// empty ACK, and for any response to a NON or TCP request.
	// Zero means ExchangeLifetime.
	ResponseTimeout time.Duration
}

// DefaultParams returns the RFC 7252 defaults.
func DefaultParams() Params {
	p := Params{}
	p.applyDefaults()
	return p
}

func (p *Params) applyDefaults() {
	if p.AckTimeout <= 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	if p.AckRandomFactor < 1 {
		p.AckRandomFactor = DefaultAckRandomFactor
	}
	if p.MaxRetransmit <= 0 {
		p.MaxRetransmit = DefaultMaxRetransmit
	}
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = p.ExchangeLifetime()
	}
}

// MaxTransmitSpan is the time from the first transmission of a CON to its
// last retransmission.
// ACK_TIMEOUT * (2^MAX_RETRANSMIT - 1) * ACK_RANDOM_FACTOR
func (p Params) MaxTransmitSpan() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<p.MaxRetransmit-1) * p.AckRandomFactor)
}

// MaxTransmitWait is the time from the first transmission of a CON to when
// the sender gives up waiting for an ACK or RST.
// ACK_TIMEOUT * (2^(MAX_RETRANSMIT+1) - 1) * ACK_RANDOM_FACTOR
func (p Params) MaxTransmitWait() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<(p.MaxRetransmit+1)-1) * p.AckRandomFactor)
}

// ProcessingDelay is the time a node takes to turn a CON into an ACK.
func (p Params) ProcessingDelay() time.Duration {
	return p.AckTimeout
}

// ExchangeLifetime is how long a CON message ID stays in use.
// MAX_TRANSMIT_SPAN + 2*MAX_LATENCY + PROCESSING_DELAY
func (p Params) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + 2*MaxLatency + p.ProcessingDelay()
}

// NonLifetime is how long a NON message ID stays in use.
// MAX_TRANSMIT_SPAN + MAX_LATENCY
func (p Params) NonLifetime() time.Duration {
	return p.MaxTransmitSpan() + MaxLatency
}
