package wire

import "fmt"

// Type is the CoAP message type carried in the datagram header.
// Stream transports have no message type; messages read from a stream
// report TypeNonConfirmable.
type Type uint8

const (
	// TypeConfirmable requires an acknowledgement.
	TypeConfirmable Type = 0

	// TypeNonConfirmable does not require an acknowledgement.
	TypeNonConfirmable Type = 1

	// TypeAcknowledgement acknowledges a confirmable message.
	TypeAcknowledgement Type = 2

	// TypeReset rejects a message that could not be processed.
	TypeReset Type = 3
)

// String returns the short type name.
func (t Type) String() string {
	switch t {
	case TypeConfirmable:
		return "CON"
	case TypeNonConfirmable:
		return "NON"
	case TypeAcknowledgement:
		return "ACK"
	case TypeReset:
		return "RST"
	default:
		return "UNKNOWN"
	}
}

// Code is a CoAP method, response or signaling code (class.detail).
type Code uint8

// NewCode builds a code from its class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Class returns the code class (0 request, 2 success, 4 client error,
// 5 server error, 7 signaling).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// Method codes.
const (
	Empty  Code = 0x00
	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04
)

// Response codes.
const (
	Created                  Code = 0x41 // 2.01
	Deleted                  Code = 0x42 // 2.02
	Valid                    Code = 0x43 // 2.03
	Changed                  Code = 0x44 // 2.04
	Content                  Code = 0x45 // 2.05
	Continue                 Code = 0x5f // 2.31
	BadRequest               Code = 0x80 // 4.00
	BadOption                Code = 0x82 // 4.02
	NotFound                 Code = 0x84 // 4.04
	MethodNotAllowed         Code = 0x85 // 4.05
	NotAcceptable            Code = 0x86 // 4.06
	RequestEntityIncomplete  Code = 0x88 // 4.08
	RequestEntityTooLarge    Code = 0x8d // 4.13
	UnsupportedContentFormat Code = 0x8f // 4.15
	InternalServerError      Code = 0xa0 // 5.00
	NotImplemented           Code = 0xa1 // 5.01
	ServiceUnavailable       Code = 0xa3 // 5.03
)

// Signaling codes (RFC 8323 section 5).
const (
	CSM     Code = 0xe1 // 7.01
	Ping    Code = 0xe2 // 7.02
	Pong    Code = 0xe3 // 7.03
	Release Code = 0xe4 // 7.04
	Abort   Code = 0xe5 // 7.05
)

var codeNames = map[Code]string{
	Empty:                    "Empty",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	Continue:                 "Continue",
	BadRequest:               "Bad Request",
	BadOption:                "Bad Option",
	NotFound:                 "Not Found",
	MethodNotAllowed:         "Method Not Allowed",
	NotAcceptable:            "Not Acceptable",
	RequestEntityIncomplete:  "Request Entity Incomplete",
	RequestEntityTooLarge:    "Request Entity Too Large",
	UnsupportedContentFormat: "Unsupported Content-Format",
	InternalServerError:      "Internal Server Error",
	NotImplemented:           "Not Implemented",
	ServiceUnavailable:       "Service Unavailable",
	CSM:                      "CSM",
	Ping:                     "Ping",
	Pong:                     "Pong",
	Release:                  "Release",
	Abort:                    "Abort",
}

// String returns the dotted code followed by its name, e.g. "2.05 Content".
func (c Code) String() string {
	if c.IsRequest() || c == Empty {
		if name, ok := codeNames[c]; ok {
			return name
		}
	}
	dotted := fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
	if name, ok := codeNames[c]; ok {
		return dotted + " " + name
	}
	return dotted
}

// IsRequest returns true for method codes (class 0, non-empty).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse returns true for response codes (classes 2, 4 and 5).
func (c Code) IsResponse() bool {
	switch c.Class() {
	case 2, 4, 5:
		return true
	}
	return false
}

// IsSignaling returns true for RFC 8323 signaling codes (class 7).
func (c Code) IsSignaling() bool {
	return c.Class() == 7
}

// OptionID is a CoAP option number.
type OptionID uint16

// Option numbers (RFC 7252, 7641, 7959).
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
)

// Signaling option numbers (RFC 8323). Their meaning depends on the
// signaling code of the message carrying them.
const (
	MaxMessageSize    OptionID = 2 // CSM
	BlockWiseTransfer OptionID = 4 // CSM
	Custody           OptionID = 2 // Ping, Pong
	HoldOff           OptionID = 4 // Release
	BadCSMOption      OptionID = 2 // Abort
)

var optionNames = map[OptionID]string{
	IfMatch:       "If-Match",
	URIHost:       "Uri-Host",
	ETag:          "ETag",
	IfNoneMatch:   "If-None-Match",
	Observe:       "Observe",
	URIPort:       "Uri-Port",
	LocationPath:  "Location-Path",
	URIPath:       "Uri-Path",
	ContentFormat: "Content-Format",
	MaxAge:        "Max-Age",
	URIQuery:      "Uri-Query",
	Accept:        "Accept",
	LocationQuery: "Location-Query",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "Proxy-Uri",
	ProxyScheme:   "Proxy-Scheme",
	Size1:         "Size1",
	NoResponse:    "No-Response",
}

// String returns the registered option name or its number.
func (o OptionID) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Option(%d)", uint16(o))
}

// Critical reports whether the option is critical (odd number).
func (o OptionID) Critical() bool {
	return o&1 == 1
}

// Known reports whether the server understands the option.
func (o OptionID) Known() bool {
	_, ok := optionNames[o]
	return ok
}

// MediaType is a Content-Format identifier.
type MediaType uint16

// Content formats used by the server.
const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

// String returns the media type name.
func (m MediaType) String() string {
	switch m {
	case TextPlain:
		return "text/plain;charset=utf-8"
	case AppLinkFormat:
		return "application/link-format"
	case AppXML:
		return "application/xml"
	case AppOctets:
		return "application/octet-stream"
	case AppJSON:
		return "application/json"
	case AppCBOR:
		return "application/cbor"
	default:
		return fmt.Sprintf("MediaType(%d)", uint16(m))
	}
}
