package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrMalformed indicates bytes that do not form a valid CoAP message.
	ErrMalformed = errors.New("malformed message")

	// ErrTokenTooLong indicates a token longer than MaxTokenLength.
	ErrTokenTooLong = errors.New("token too long")
)

const (
	// Version is the only CoAP version defined for the datagram header.
	Version = 1

	// PayloadMarker separates options from the payload.
	PayloadMarker = 0xff

	datagramHeaderSize = 4

	// Extended-length thresholds shared by option encoding and the
	// stream header (RFC 8323 section 3.2).
	ext8Base  = 13
	ext16Base = 269
	ext32Base = 65805

	maxOptionID = 65535
)

// MarshalUDP encodes m in the datagram format (UDP, DTLS).
func MarshalUDP(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, datagramHeaderSize, datagramHeaderSize+len(m.Token)+len(body))
	buf[0] = Version<<6 | byte(m.Type&0x3)<<4 | byte(len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:], m.MessageID)
	buf = append(buf, m.Token...)
	buf = append(buf, body...)
	return buf, nil
}

// UnmarshalUDP decodes a datagram-format message.
func UnmarshalUDP(data []byte) (*Message, error) {
	if len(data) < datagramHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(data))
	}
	if v := data[0] >> 6; v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, v)
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", ErrMalformed, tkl)
	}
	m := &Message{
		Type:      Type(data[0] >> 4 & 0x3),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	rest := data[datagramHeaderSize:]
	if len(rest) < tkl {
		return nil, fmt.Errorf("%w: truncated token", ErrMalformed)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), rest[:tkl]...)
	}
	// An empty message must be exactly the 4-byte header (RFC 7252 section 4.1).
	if m.Code == Empty && (tkl != 0 || len(rest) != 0) {
		return nil, fmt.Errorf("%w: non-empty Empty message", ErrMalformed)
	}
	if err := decodeBody(m, rest[tkl:]); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalTCP encodes m in the stream format (TCP, TLS).
func MarshalTCP(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}

	n := len(body)
	var lenNibble byte
	var ext []byte
	switch {
	case n < ext8Base:
		lenNibble = byte(n)
	case n < ext16Base:
		lenNibble = 13
		ext = []byte{byte(n - ext8Base)}
	case n < ext32Base:
		lenNibble = 14
		ext = make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(n-ext16Base))
	default:
		lenNibble = 15
		ext = make([]byte, 4)
		binary.BigEndian.PutUint32(ext, uint32(n-ext32Base))
	}

	buf := make([]byte, 0, 2+len(ext)+len(m.Token)+n)
	buf = append(buf, lenNibble<<4|byte(len(m.Token)))
	buf = append(buf, ext...)
	buf = append(buf, byte(m.Code))
	buf = append(buf, m.Token...)
	buf = append(buf, body...)
	return buf, nil
}

// TCPExtendedLengthSize returns how many extended-length bytes follow the
// first byte of a stream-format header.
func TCPExtendedLengthSize(first byte) int {
	switch first >> 4 {
	case 13:
		return 1
	case 14:
		return 2
	case 15:
		return 4
	default:
		return 0
	}
}

// TCPBodyLength decodes the options+payload length from the first header
// byte and its extended-length bytes.
func TCPBodyLength(first byte, ext []byte) (int, error) {
	if len(ext) != TCPExtendedLengthSize(first) {
		return 0, fmt.Errorf("%w: extended length size %d", ErrMalformed, len(ext))
	}
	switch first >> 4 {
	case 13:
		return int(ext[0]) + ext8Base, nil
	case 14:
		return int(binary.BigEndian.Uint16(ext)) + ext16Base, nil
	case 15:
		return int(binary.BigEndian.Uint32(ext)) + ext32Base, nil
	default:
		return int(first >> 4), nil
	}
}

// UnmarshalTCP decodes exactly one stream-format message.
func UnmarshalTCP(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(data))
	}
	first := data[0]
	extSize := TCPExtendedLengthSize(first)
	if len(data) < 1+extSize+1 {
		return nil, fmt.Errorf("%w: truncated extended length", ErrMalformed)
	}
	bodyLen, err := TCPBodyLength(first, data[1:1+extSize])
	if err != nil {
		return nil, err
	}
	tkl := int(first & 0x0f)
	if tkl > MaxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", ErrMalformed, tkl)
	}
	rest := data[1+extSize:]
	m := &Message{
		Type: TypeNonConfirmable,
		Code: Code(rest[0]),
	}
	rest = rest[1:]
	if len(rest) != tkl+bodyLen {
		return nil, fmt.Errorf("%w: frame length %d, header says %d", ErrMalformed, len(rest), tkl+bodyLen)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), rest[:tkl]...)
	}
	if err := decodeBody(m, rest[tkl:]); err != nil {
		return nil, err
	}
	return m, nil
}

// encodeBody encodes the options, payload marker and payload.
func encodeBody(m *Message) ([]byte, error) {
	var buf []byte
	var prev OptionID
	for _, opt := range m.Options.sorted() {
		if len(opt.Value) > 0xffff+ext16Base {
			return nil, fmt.Errorf("option %s value too long (%d bytes)", opt.ID, len(opt.Value))
		}
		delta := int(opt.ID - prev)
		prev = opt.ID

		dNibble, dExt := extendedNibble(delta)
		lNibble, lExt := extendedNibble(len(opt.Value))
		buf = append(buf, dNibble<<4|lNibble)
		buf = append(buf, dExt...)
		buf = append(buf, lExt...)
		buf = append(buf, opt.Value...)
	}
	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func extendedNibble(v int) (byte, []byte) {
	switch {
	case v < ext8Base:
		return byte(v), nil
	case v < ext16Base:
		return 13, []byte{byte(v - ext8Base)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-ext16Base))
		return 14, ext
	}
}

// decodeBody decodes the options and payload that follow the token.
func decodeBody(m *Message, data []byte) error {
	id := 0
	for len(data) > 0 {
		if data[0] == PayloadMarker {
			if len(data) == 1 {
				return fmt.Errorf("%w: payload marker without payload", ErrMalformed)
			}
			m.Payload = append([]byte(nil), data[1:]...)
			return nil
		}

		dNibble := int(data[0] >> 4)
		lNibble := int(data[0] & 0x0f)
		data = data[1:]

		delta, rest, err := readExtended(dNibble, data)
		if err != nil {
			return err
		}
		length, rest, err := readExtended(lNibble, rest)
		if err != nil {
			return err
		}
		if len(rest) < length {
			return fmt.Errorf("%w: option value overruns message", ErrMalformed)
		}
		id += delta
		if id > maxOptionID {
			return fmt.Errorf("%w: option number %d out of range", ErrMalformed, id)
		}
		m.Options = append(m.Options, Option{ID: OptionID(id), Value: append([]byte(nil), rest[:length]...)})
		data = rest[length:]
	}
	return nil
}

func readExtended(nibble int, data []byte) (int, []byte, error) {
	switch nibble {
	case 13:
		if len(data) < 1 {
			return 0, nil, fmt.Errorf("%w: truncated option header", ErrMalformed)
		}
		return int(data[0]) + ext8Base, data[1:], nil
	case 14:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated option header", ErrMalformed)
		}
		return int(binary.BigEndian.Uint16(data)) + ext16Base, data[2:], nil
	case 15:
		return 0, nil, fmt.Errorf("%w: reserved option nibble 15", ErrMalformed)
	default:
		return nibble, data, nil
	}
}
