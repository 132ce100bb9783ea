package message

import "fmt"

// Block option limits (RFC 7959 Section 2.2).
const (
	// MaxSZX is the largest valid size exponent (1024-byte blocks).
	// SZX 7 is reserved (BERT over TCP is not supported).
	MaxSZX uint8 = 6

	// MaxBlockNum is the exclusive upper bound of the 20-bit block number.
	MaxBlockNum uint32 = 1 << 20
)

// BlockOption is the decoded value of a Block1 or Block2 option.
type BlockOption struct {
	// Num is the block number (0-based).
	Num uint32

	// More is set when further blocks follow.
	More bool

	// SZX encodes the block size as 2^(SZX+4).
	SZX uint8
}

// Size returns the block size in bytes.
func (b BlockOption) Size() int {
	return SZXToSize(b.SZX)
}

// Offset returns the byte offset of the block within the body.
func (b BlockOption) Offset() int {
	return int(b.Num) * b.Size()
}

// IsValid returns true if Num and SZX are within range.
func (b BlockOption) IsValid() bool {
	return b.SZX <= MaxSZX && b.Num < MaxBlockNum
}

// Encode returns the option value: num<<4 | m<<3 | szx, minimal length.
func (b BlockOption) Encode() ([]byte, error) {
	if !b.IsValid() {
		return nil, fmt.Errorf("%w: num=%d szx=%d", ErrInvalidBlockValue, b.Num, b.SZX)
	}
	v := b.Num<<4 | uint32(b.SZX)
	if b.More {
		v |= 0x08
	}
	return EncodeUint(v), nil
}

// String renders the block as "num/m/size".
func (b BlockOption) String() string {
	m := 0
	if b.More {
		m = 1
	}
	return fmt.Sprintf("%d/%d/%d", b.Num, m, b.Size())
}

// DecodeBlock parses a 0-3 byte block option value.
func DecodeBlock(v []byte) (BlockOption, error) {
	if len(v) > 3 {
		return BlockOption{}, ErrInvalidBlockValue
	}
	n, err := DecodeUint(v)
	if err != nil {
		return BlockOption{}, err
	}
	b := BlockOption{
		Num:  n >> 4,
		More: n&0x08 != 0,
		SZX:  uint8(n & 0x07),
	}
	if b.SZX > MaxSZX {
		return BlockOption{}, fmt.Errorf("%w: reserved szx %d", ErrInvalidBlockValue, b.SZX)
	}
	return b, nil
}

// SZXToSize converts a size exponent to bytes.
func SZXToSize(szx uint8) int {
	return 1 << (uint(szx) + 4)
}

// SizeToSZX returns the largest exponent whose block size does not exceed size.
// Sizes below 16 map to SZX 0.
func SizeToSZX(size int) uint8 {
	var szx uint8
	for szx < MaxSZX && SZXToSize(szx+1) <= size {
		szx++
	}
	return szx
}

// Block returns the decoded Block1 or Block2 option when present.
// A malformed value is reported as an error.
func (m *Message) Block(id OptionID) (BlockOption, bool, error) {
	v, ok := m.Options.Get(id)
	if !ok {
		return BlockOption{}, false, nil
	}
	b, err := DecodeBlock(v)
	if err != nil {
		return BlockOption{}, true, err
	}
	return b, true, nil
}

// SetBlock sets a Block1 or Block2 option.
func (m *Message) SetBlock(id OptionID, b BlockOption) error {
	v, err := b.Encode()
	if err != nil {
		return err
	}
	m.Options = m.Options.Set(id, v)
	return nil
}
