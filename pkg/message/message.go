package message

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Token correlates requests with responses (0-8 bytes).
type Token []byte

// String returns the hex form of the token.
func (t Token) String() string {
	return hex.EncodeToString(t)
}

// Key returns a comparable map key for the token.
func (t Token) Key() string {
	return string(t)
}

// Equal reports whether two tokens have identical bytes.
func (t Token) Equal(other Token) bool {
	return string(t) == string(other)
}

// Message is a decoded CoAP message. Over TCP the Type and MessageID
// fields are unused.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   Options
	Payload   []byte
}

// IsConfirmable returns true for CON messages.
func (m *Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsEmpty returns true for 0.00 messages (empty ACK, RST, ping).
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// Path returns the request Uri-Path.
func (m *Message) Path() string {
	return m.Options.Path()
}

// SetPath replaces the request Uri-Path.
func (m *Message) SetPath(p string) {
	m.Options = m.Options.SetPath(p)
}

// ContentFormat returns the Content-Format option when present.
func (m *Message) ContentFormat() (uint32, bool) {
	v, ok, err := m.Options.GetUint(ContentFormat)
	if err != nil {
		return 0, false
	}
	return v, ok
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Token = append(Token(nil), m.Token...)
	c.Options = m.Options.Clone()
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// String returns a short human-readable summary for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%s opts=%d payload=%d",
		m.Type, m.Code, m.MessageID, m.Token, len(m.Options), len(m.Payload))
}

// MarshalBinary encodes the message for datagram transports
// (RFC 7252 Section 3).
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrInvalidTokenLength
	}
	if !m.Type.IsValid() {
		return nil, fmt.Errorf("message: invalid type %d", m.Type)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Token)+len(m.Payload)+16)
	buf[0] = Version<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))
	buf[1] = uint8(m.Code)
	binary.BigEndian.PutUint16(buf[2:], m.MessageID)
	buf = append(buf, m.Token...)

	buf, err := appendBody(buf, m.Options, m.Payload)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// appendBody writes options, payload marker and payload.
func appendBody(buf []byte, opts Options, payload []byte) ([]byte, error) {
	buf, err := appendOptions(buf, opts)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, payload...)
	}
	return buf, nil
}

// Decode parses a datagram. Every failure wraps ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, malformed(ErrMessageTooShort)
	}
	if data[0]>>6 != Version {
		return nil, malformed(ErrInvalidVersion)
	}
	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return nil, malformed(ErrInvalidTokenLength)
	}
	if len(data) < HeaderSize+tkl {
		return nil, malformed(ErrMessageTooShort)
	}

	m := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:]),
		Token:     append(Token{}, data[HeaderSize:HeaderSize+tkl]...),
	}

	rest := data[HeaderSize+tkl:]
	if m.Code == Empty && (tkl != 0 || len(rest) != 0) {
		return nil, malformed(ErrNonEmptyEmptyMessage)
	}
	if err := m.decodeBody(rest); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) decodeBody(rest []byte) error {
	opts, payload, err := DecodeOptions(rest)
	if err != nil {
		return err
	}
	m.Options = opts
	if payload != nil {
		m.Payload = append([]byte(nil), payload...)
	}
	return nil
}

// NewRequest creates a request with the given type, method and path.
func NewRequest(typ Type, code Code, path string) *Message {
	m := &Message{Type: typ, Code: code}
	m.SetPath(path)
	return m
}

// NewResponse creates a response to req. For CON requests the response is
// piggybacked on the ACK (same message ID); otherwise it is sent as NON with
// the message ID left for the caller to allocate.
func NewResponse(req *Message, code Code) *Message {
	resp := &Message{
		Code:  code,
		Token: append(Token(nil), req.Token...),
	}
	if req.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = req.MessageID
	} else {
		resp.Type = NonConfirmable
	}
	return resp
}

// NewEmptyACK acknowledges mid without a response.
func NewEmptyACK(mid uint16) *Message {
	return &Message{Type: Acknowledgement, Code: Empty, MessageID: mid}
}

// NewReset rejects mid.
func NewReset(mid uint16) *Message {
	return &Message{Type: Reset, Code: Empty, MessageID: mid}
}
