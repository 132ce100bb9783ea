package block

import (
	"fmt"

	"github.com/backkem/coap/pkg/message"
)

// Receiver reassembles an inbound block sequence.
// Blocks are tracked by byte offset so a peer may lower the block size
// mid-transfer.
type Receiver struct {
	buf      []byte
	maxSize  int
	szx      uint8
	complete bool
}

// NewReceiver creates a receiver refusing bodies larger than maxSize.
// A maxSize of zero means no limit.
func NewReceiver(maxSize int) *Receiver {
	return &Receiver{maxSize: maxSize}
}

// Add accepts one block. A block starting below the buffered length is a
// duplicate and is ignored. Returns true when the final block was added.
func (r *Receiver) Add(opt message.BlockOption, chunk []byte) (bool, error) {
	if r.complete {
		return true, nil
	}

	offset := opt.Offset()
	buffered := len(r.buf)

	switch {
	case offset < buffered:
		return false, nil
	case offset > buffered:
		return false, fmt.Errorf("%w: offset %d, expected %d", ErrUnexpectedBlockNumber, offset, buffered)
	}

	if opt.More && len(chunk) != opt.Size() {
		return false, fmt.Errorf("%w: block %d has %d bytes, want %d", ErrIncompleteBlockSequence, opt.Num, len(chunk), opt.Size())
	}
	if r.maxSize > 0 && buffered+len(chunk) > r.maxSize {
		return false, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, buffered+len(chunk), r.maxSize)
	}

	r.buf = append(r.buf, chunk...)
	r.szx = opt.SZX
	if !opt.More {
		r.complete = true
	}
	return r.complete, nil
}

// Complete returns true once the final block has been received.
func (r *Receiver) Complete() bool {
	return r.complete
}

// Buffered returns the number of bytes reassembled so far.
func (r *Receiver) Buffered() int {
	return len(r.buf)
}

// SZX returns the size exponent of the last accepted block.
func (r *Receiver) SZX() uint8 {
	return r.szx
}

// Next returns the block number expected next at the current size.
func (r *Receiver) Next() uint32 {
	return uint32(len(r.buf) / message.SZXToSize(r.szx))
}

// Payload returns the reassembled body.
func (r *Receiver) Payload() []byte {
	return r.buf
}
