package engine

import "github.com/homecenter/coap-server/pkg/wire"

// header is what can be read from a message whose options or payload
// failed to decode.
type header struct {
	typ   wire.Type
	code  wire.Code
	mid   uint16
	token []byte
}

// peekHeader reads the fixed header and token of a datagram or stream
// message without decoding options.
func peekHeader(data []byte, stream bool) (header, bool) {
	if stream {
		if len(data) < 2 {
			return header{}, false
		}
		tkl := int(data[0] & 0x0f)
		pos := 1 + wire.TCPExtendedLengthSize(data[0])
		if tkl > wire.MaxTokenLength || len(data) < pos+1+tkl {
			return header{}, false
		}
		return header{code: wire.Code(data[pos]), token: data[pos+1 : pos+1+tkl]}, true
	}

	if len(data) < 4 || data[0]>>6 != wire.Version {
		return header{}, false
	}
	h := header{
		typ:  wire.Type(data[0] >> 4 & 0x3),
		code: wire.Code(data[1]),
		mid:  uint16(data[2])<<8 | uint16(data[3]),
	}
	if tkl := int(data[0] & 0x0f); tkl <= wire.MaxTokenLength && len(data) >= 4+tkl {
		h.token = data[4 : 4+tkl]
	}
	return h, true
}
