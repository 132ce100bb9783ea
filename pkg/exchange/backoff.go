package exchange

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes CON retransmission timeouts.
//
// The initial timeout is drawn once per message (RFC 7252 Section 4.2):
//
//	timeout0 = ACK_TIMEOUT * (1 + random(0,1) * (ACK_RANDOM_FACTOR - 1))
//
// and every retransmission doubles the previous timeout exactly, so jitter
// is applied only once.
type BackoffCalculator struct {
	params Params
	random RandomSource
}

// NewBackoffCalculator creates a calculator for params.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(params Params, random RandomSource) *BackoffCalculator {
	params.applyDefaults()
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{params: params, random: random}
}

// Initial returns the randomized timeout for the first transmission.
func (b *BackoffCalculator) Initial() time.Duration {
	jitter := 1.0 + b.random.Float64()*(b.params.AckRandomFactor-1)
	return time.Duration(float64(b.params.AckTimeout) * jitter)
}

// Next returns the timeout following prev.
func (b *BackoffCalculator) Next(prev time.Duration) time.Duration {
	return prev * 2
}

// Calculate returns the timeout before retransmission number attempt
// (0 for the initial transmission) given the initial timeout.
func (b *BackoffCalculator) Calculate(initial time.Duration, attempt int) time.Duration {
	return initial << uint(attempt)
}

// CalculateMin is the timeout for attempt with no jitter.
func (b *BackoffCalculator) CalculateMin(attempt int) time.Duration {
	return b.Calculate(b.params.AckTimeout, attempt)
}

// CalculateMax is the timeout for attempt with full jitter.
func (b *BackoffCalculator) CalculateMax(attempt int) time.Duration {
	return b.Calculate(time.Duration(float64(b.params.AckTimeout)*b.params.AckRandomFactor), attempt)
}

// MaxRetransmit returns the retransmission cap.
func (b *BackoffCalculator) MaxRetransmit() int {
	return b.params.MaxRetransmit
}
