package oscore

import "fmt"

// OSCORE option flag bits (RFC 8613 Section 6.1).
const (
	flagPIVLength  = 0x07
	flagKID        = 0x08
	flagKIDContext = 0x10
	flagsReserved  = 0xE0
)

// optionValue is the decoded OSCORE option.
type optionValue struct {
	piv        []byte
	kid        []byte
	hasKID     bool
	kidContext []byte
	hasContext bool
}

func (o optionValue) encode() []byte {
	if len(o.piv) == 0 && !o.hasKID && !o.hasContext {
		return nil
	}
	flags := byte(len(o.piv))
	if o.hasKID {
		flags |= flagKID
	}
	if o.hasContext {
		flags |= flagKIDContext
	}
	out := append([]byte{flags}, o.piv...)
	if o.hasContext {
		out = append(out, byte(len(o.kidContext)))
		out = append(out, o.kidContext...)
	}
	if o.hasKID {
		out = append(out, o.kid...)
	}
	return out
}

func decodeOption(b []byte) (optionValue, error) {
	var o optionValue
	if len(b) == 0 {
		return o, nil
	}
	flags := b[0]
	if flags&flagsReserved != 0 {
		return o, fmt.Errorf("%w: reserved flags 0x%02x", ErrInvalidOption, flags)
	}
	n := int(flags & flagPIVLength)
	if n > 5 {
		return o, fmt.Errorf("%w: partial IV length %d", ErrInvalidOption, n)
	}
	rest := b[1:]
	if len(rest) < n {
		return o, fmt.Errorf("%w: truncated partial IV", ErrInvalidOption)
	}
	o.piv = clone(rest[:n])
	rest = rest[n:]
	if flags&flagKIDContext != 0 {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return o, fmt.Errorf("%w: truncated kid context", ErrInvalidOption)
		}
		o.hasContext = true
		o.kidContext = clone(rest[1 : 1+int(rest[0])])
		rest = rest[1+int(rest[0]):]
	}
	if flags&flagKID != 0 {
		o.hasKID = true
		o.kid = clone(rest)
		rest = nil
	}
	if len(rest) != 0 {
		return o, fmt.Errorf("%w: %d trailing bytes", ErrInvalidOption, len(rest))
	}
	if flags == 0 {
		return o, fmt.Errorf("%w: non-empty value with zero flags", ErrInvalidOption)
	}
	return o, nil
}
