package message

import (
	"encoding/binary"
	"errors"
	"io"
)

// RFC 8323 Section 3.2 length nibble extensions.
const (
	tcpExt8Base  = 13
	tcpExt16Base = 269
	tcpExt32Base = 65805
)

// MarshalTCP encodes the message using reliable-transport framing
// (RFC 8323 Section 3.2). Type and MessageID are not transmitted.
func (m *Message) MarshalTCP() ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrInvalidTokenLength
	}
	body, err := appendBody(nil, m.Options, m.Payload)
	if err != nil {
		return nil, err
	}

	n := len(body)
	buf := make([]byte, 0, 6+len(m.Token)+n)
	tkl := uint8(len(m.Token))
	switch {
	case n < tcpExt8Base:
		buf = append(buf, uint8(n)<<4|tkl)
	case n < tcpExt16Base:
		buf = append(buf, 13<<4|tkl, uint8(n-tcpExt8Base))
	case n < tcpExt32Base:
		buf = append(buf, 14<<4|tkl)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n-tcpExt16Base))
	default:
		buf = append(buf, 15<<4|tkl)
		buf = binary.BigEndian.AppendUint32(buf, uint32(n-tcpExt32Base))
	}
	buf = append(buf, uint8(m.Code))
	buf = append(buf, m.Token...)
	buf = append(buf, body...)
	return buf, nil
}

// DecodeTCP parses exactly one RFC 8323 frame.
func DecodeTCP(data []byte) (*Message, error) {
	size, hdr, err := tcpFrameSize(data)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, malformed(ErrMessageTooShort)
	}
	return decodeTCPFrame(data, hdr)
}

// tcpFrameSize returns the total frame length and the header length
// (length byte, extension, code, token) from a frame prefix.
func tcpFrameSize(data []byte) (int, int, error) {
	if len(data) < 1 {
		return 0, 0, malformed(ErrMessageTooShort)
	}
	lenNibble := int(data[0] >> 4)
	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return 0, 0, malformed(ErrInvalidTokenLength)
	}

	ext := 0
	switch lenNibble {
	case 13:
		ext = 1
	case 14:
		ext = 2
	case 15:
		ext = 4
	}
	if len(data) < 1+ext {
		return 0, 0, malformed(ErrMessageTooShort)
	}

	var bodyLen int
	switch ext {
	case 0:
		bodyLen = lenNibble
	case 1:
		bodyLen = int(data[1]) + tcpExt8Base
	case 2:
		bodyLen = int(binary.BigEndian.Uint16(data[1:])) + tcpExt16Base
	case 4:
		bodyLen = int(binary.BigEndian.Uint32(data[1:])) + tcpExt32Base
	}
	if bodyLen > MaxTCPMessageSize {
		return 0, 0, ErrMessageTooLong
	}

	hdr := 1 + ext + 1 + tkl
	return hdr + bodyLen, hdr, nil
}

func decodeTCPFrame(data []byte, hdr int) (*Message, error) {
	tkl := int(data[0] & 0x0F)
	codeAt := hdr - tkl - 1
	m := &Message{
		Code:  Code(data[codeAt]),
		Token: append(Token{}, data[codeAt+1:hdr]...),
	}
	if err := m.decodeBody(data[hdr:]); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamReader reads RFC 8323 frames from a byte stream.
type StreamReader struct {
	r io.Reader
}

// NewStreamReader creates a new stream reader for TCP framing.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// Read returns the next raw frame from the stream.
func (sr *StreamReader) Read() ([]byte, error) {
	// Longest prefix needed to learn the frame size: length byte + 4-byte
	// extension + code + 8-byte token.
	head := make([]byte, 1, 14)
	if _, err := io.ReadFull(sr.r, head); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrStreamReadFailed
	}

	ext := 0
	switch head[0] >> 4 {
	case 13:
		ext = 1
	case 14:
		ext = 2
	case 15:
		ext = 4
	}
	tkl := int(head[0] & 0x0F)
	if tkl > MaxTokenLength {
		return nil, malformed(ErrInvalidTokenLength)
	}
	head = head[:1+ext+1+tkl]
	if _, err := io.ReadFull(sr.r, head[1:]); err != nil {
		return nil, ErrStreamReadFailed
	}

	size, _, err := tcpFrameSize(head)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, size)
	copy(frame, head)
	if _, err := io.ReadFull(sr.r, frame[len(head):]); err != nil {
		return nil, ErrStreamReadFailed
	}
	return frame, nil
}

// ReadMessage reads and decodes the next message from the stream.
func (sr *StreamReader) ReadMessage() (*Message, error) {
	frame, err := sr.Read()
	if err != nil {
		return nil, err
	}
	return DecodeTCP(frame)
}

// ReadTCP reads one message from r.
func ReadTCP(r io.Reader) (*Message, error) {
	return NewStreamReader(r).ReadMessage()
}
