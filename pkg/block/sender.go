package block

import (
	"fmt"

	"github.com/backkem/coap/pkg/message"
)

// Sender splits an outbound body into fixed-size blocks.
// It is not safe for concurrent use; the owner serializes access.
type Sender struct {
	payload []byte
	szx     uint8
	num     uint32
	done    bool
}

// NewSender creates a sender for payload using blocks of 2^(szx+4) bytes.
func NewSender(payload []byte, szx uint8) *Sender {
	if szx > message.MaxSZX {
		szx = message.MaxSZX
	}
	return &Sender{payload: payload, szx: szx}
}

// NeedsBlockwise reports whether payload exceeds a single block of szx.
func NeedsBlockwise(payload []byte, szx uint8) bool {
	return len(payload) > message.SZXToSize(szx)
}

// Total returns the full body length.
func (s *Sender) Total() int {
	return len(s.payload)
}

// SZX returns the current size exponent.
func (s *Sender) SZX() uint8 {
	return s.szx
}

// Num returns the block number awaiting confirmation.
func (s *Sender) Num() uint32 {
	return s.num
}

// Done returns true once the final block has been confirmed.
func (s *Sender) Done() bool {
	return s.done
}

// Count returns the number of blocks at the current size.
func (s *Sender) Count() uint32 {
	size := message.SZXToSize(s.szx)
	if len(s.payload) == 0 {
		return 1
	}
	return uint32((len(s.payload) + size - 1) / size)
}

// Block returns the option and chunk for block num at the current size.
func (s *Sender) Block(num uint32) (message.BlockOption, []byte, error) {
	size := message.SZXToSize(s.szx)
	offset := int(num) * size
	if num >= message.MaxBlockNum || (offset >= len(s.payload) && !(num == 0 && len(s.payload) == 0)) {
		return message.BlockOption{}, nil, fmt.Errorf("%w: block %d of %d-byte body", ErrUnexpectedBlockNumber, num, len(s.payload))
	}
	end := offset + size
	if end > len(s.payload) {
		end = len(s.payload)
	}
	opt := message.BlockOption{
		Num:  num,
		More: end < len(s.payload),
		SZX:  s.szx,
	}
	return opt, s.payload[offset:end], nil
}

// Current returns the block awaiting confirmation.
func (s *Sender) Current() (message.BlockOption, []byte, error) {
	return s.Block(s.num)
}

// Advance confirms block acked and moves to the next one. Confirming
// anything other than the current block fails with
// ErrIncompleteBlockSequence. Returns true when the final block was
// confirmed.
func (s *Sender) Advance(acked uint32) (bool, error) {
	if s.done {
		return true, nil
	}
	if acked != s.num {
		return false, fmt.Errorf("%w: confirmed %d, current %d", ErrIncompleteBlockSequence, acked, s.num)
	}
	opt, _, err := s.Block(s.num)
	if err != nil {
		return false, err
	}
	if !opt.More {
		s.done = true
		return true, nil
	}
	s.num++
	return false, nil
}

// Negotiate lowers the block size to the peer's preference (RFC 7959
// Section 2.5). The next block keeps its byte offset. Larger sizes are
// ignored.
func (s *Sender) Negotiate(szx uint8) {
	if szx >= s.szx {
		return
	}
	offset := s.num * uint32(message.SZXToSize(s.szx))
	s.szx = szx
	s.num = offset / uint32(message.SZXToSize(szx))
}

// Seek moves to the block a peer requested (server-side Block2). The
// request may repeat the current block or ask for the one after it,
// optionally at a smaller size; anything else fails with
// ErrIncompleteBlockSequence.
func (s *Sender) Seek(opt message.BlockOption) error {
	size := message.SZXToSize(s.szx)
	cur := int(s.num) * size
	next := cur + size

	szx := s.szx
	if opt.SZX < szx {
		szx = opt.SZX
	}
	offset := int(opt.Num) * message.SZXToSize(szx)
	switch {
	case offset != cur && offset != next:
		return fmt.Errorf("%w: requested offset %d, current %d", ErrIncompleteBlockSequence, offset, cur)
	case offset == next && next >= len(s.payload):
		return fmt.Errorf("%w: block %d past end of body", ErrUnexpectedBlockNumber, opt.Num)
	}
	s.szx = szx
	s.num = uint32(offset / message.SZXToSize(szx))
	return nil
}
