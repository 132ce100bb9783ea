package message

// EncodeUint returns the minimal big-endian encoding of v.
// Zero encodes as an empty value (RFC 7252 Section 3.2).
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeUint decodes a 0-4 byte big-endian value.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, ErrUintTooLong
	}
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v, nil
}

// Observe option values (RFC 7641 Section 2).
const (
	// ObserveRegister in a request registers interest in a resource.
	ObserveRegister uint32 = 0

	// ObserveDeregister in a request cancels a registration.
	ObserveDeregister uint32 = 1

	// ObserveSeqMask keeps notification sequence numbers to 24 bits.
	ObserveSeqMask uint32 = 0xFFFFFF
)

// EncodeObserve encodes a 24-bit observe sequence number.
func EncodeObserve(seq uint32) []byte {
	return EncodeUint(seq & ObserveSeqMask)
}

// DecodeObserve decodes an observe option value (0-3 bytes).
func DecodeObserve(b []byte) (uint32, error) {
	if len(b) > 3 {
		return 0, ErrUintTooLong
	}
	return DecodeUint(b)
}

// Observe returns the Observe option value when present.
func (m *Message) Observe() (uint32, bool) {
	v, ok := m.Options.Get(Observe)
	if !ok {
		return 0, false
	}
	seq, err := DecodeObserve(v)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SetObserve sets the Observe option.
func (m *Message) SetObserve(seq uint32) {
	m.Options = m.Options.Set(Observe, EncodeObserve(seq))
}
