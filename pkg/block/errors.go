// Package block implements block-wise transfer (RFC 7959).
//
// A Sender splits an outbound body into Block1 (request) or Block2
// (response) chunks and only moves forward when the current block has been
// confirmed. A Receiver reassembles inbound blocks into a single buffer.
// The Manager keeps server-side transfer state between requests.
package block

import "errors"

// Block transfer errors. Each aborts the owning exchange.
var (
	// ErrUnexpectedBlockNumber is returned when a block arrives beyond the
	// next expected offset.
	ErrUnexpectedBlockNumber = errors.New("block: unexpected block number")

	// ErrIncompleteBlockSequence is returned for out-of-order continuation
	// or a short non-final block.
	ErrIncompleteBlockSequence = errors.New("block: incomplete block sequence")

	// ErrPayloadTooLarge is returned when a body exceeds the configured
	// maximum, or exceeds a single message while block-wise is disabled.
	ErrPayloadTooLarge = errors.New("block: payload too large")

	// ErrTransferNotFound is returned when a continuation has no transfer.
	ErrTransferNotFound = errors.New("block: transfer not found")
)
