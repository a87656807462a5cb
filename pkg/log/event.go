package log

import (
	"time"

	"github.com/homecenter/coap-server/pkg/wire"
)

// Event is one captured protocol event. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the session (UUID). Empty for context-level events.
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Transport is the endpoint kind ("udp", "tcp", "dtls", "tls").
	Transport string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Signal      *SignalEvent      `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the datagram/stream layer (raw bytes).
	LayerTransport Layer = 0
	// LayerMessage is the decoded CoAP message layer.
	LayerMessage Layer = 1
	// LayerResource is the resource/handler layer.
	LayerResource Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerMessage:
		return "MESSAGE"
	case LayerResource:
		return "RESOURCE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a request, response or notification.
	CategoryMessage Category = 0
	// CategorySignal indicates a stream signaling message (CSM, ping, pong, release, abort).
	CategorySignal Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategorySignal:
		return "SIGNAL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw bytes at the transport layer.
type FrameEvent struct {
	// Size is the datagram or frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxFrameCapture bounds FrameEvent.Data.
const MaxFrameCapture = 256

// NewFrameEvent captures data, truncating to MaxFrameCapture bytes.
func NewFrameEvent(data []byte) *FrameEvent {
	f := &FrameEvent{Size: len(data)}
	if len(data) > MaxFrameCapture {
		f.Data = append([]byte(nil), data[:MaxFrameCapture]...)
		f.Truncated = true
	} else {
		f.Data = append([]byte(nil), data...)
	}
	return f
}

// MessageEvent captures a decoded CoAP message.
type MessageEvent struct {
	// Kind distinguishes request/response/notification/empty.
	Kind MessageKind `cbor:"1,keyasint"`

	// Type is the datagram message type (CON, NON, ACK, RST).
	Type wire.Type `cbor:"2,keyasint"`

	// Code is the method or response code.
	Code wire.Code `cbor:"3,keyasint"`

	// MessageID is the datagram message ID (0 on stream transports).
	MessageID uint16 `cbor:"4,keyasint"`

	// Token correlates requests and responses.
	Token []byte `cbor:"5,keyasint,omitempty"`

	// Path is the Uri-Path of a request.
	Path string `cbor:"6,keyasint,omitempty"`

	// Observe is the Observe option value, if present.
	Observe *uint32 `cbor:"7,keyasint,omitempty"`

	// Block is the Block1 or Block2 option in NUM/M/SIZE notation.
	Block string `cbor:"8,keyasint,omitempty"`

	// PayloadSize is the payload length in bytes.
	PayloadSize int `cbor:"9,keyasint,omitempty"`

	// ProcessingTime is the duration from request receipt to response send (response only).
	ProcessingTime *time.Duration `cbor:"10,keyasint,omitempty"`
}

// NewMessageEvent summarizes m for logging.
func NewMessageEvent(m *wire.Message) *MessageEvent {
	ev := &MessageEvent{
		Kind:        kindOf(m),
		Type:        m.Type,
		Code:        m.Code,
		MessageID:   m.MessageID,
		Token:       append([]byte(nil), m.Token...),
		Path:        m.Path(),
		PayloadSize: len(m.Payload),
	}
	if obs, ok := m.Observe(); ok {
		ev.Observe = &obs
	}
	if b, ok, err := m.Block2(); ok && err == nil {
		ev.Block = b.String()
	} else if b, ok, err := m.Block1(); ok && err == nil {
		ev.Block = b.String()
	}
	return ev
}

func kindOf(m *wire.Message) MessageKind {
	switch {
	case m.Code.IsRequest():
		return MessageKindRequest
	case m.Code.IsResponse():
		if _, ok := m.Observe(); ok {
			return MessageKindNotification
		}
		return MessageKindResponse
	default:
		return MessageKindEmpty
	}
}

// MessageKind distinguishes request/response/notification.
type MessageKind uint8

const (
	// MessageKindRequest indicates a request.
	MessageKindRequest MessageKind = 0
	// MessageKindResponse indicates a response.
	MessageKindResponse MessageKind = 1
	// MessageKindNotification indicates an Observe notification.
	MessageKindNotification MessageKind = 2
	// MessageKindEmpty indicates an empty ACK or RST.
	MessageKindEmpty MessageKind = 3
)

// String returns the message kind name.
func (m MessageKind) String() string {
	switch m {
	case MessageKindRequest:
		return "REQUEST"
	case MessageKindResponse:
		return "RESPONSE"
	case MessageKindNotification:
		return "NOTIFICATION"
	case MessageKindEmpty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures session, context and observer lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates a session state change.
	StateEntitySession StateEntity = 0
	// StateEntityContext indicates a server context start, stop or restart.
	StateEntityContext StateEntity = 1
	// StateEntityObserver indicates an observer registration change.
	StateEntityObserver StateEntity = 2
	// StateEntityExchange indicates a block-wise exchange change.
	StateEntityExchange StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityContext:
		return "CONTEXT"
	case StateEntityObserver:
		return "OBSERVER"
	case StateEntityExchange:
		return "EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// SignalEvent captures a stream signaling message.
type SignalEvent struct {
	// Code is one of the 7.xx signaling codes.
	Code wire.Code `cbor:"1,keyasint"`

	// MaxMessageSize is the CSM Max-Message-Size option, if present.
	MaxMessageSize uint32 `cbor:"2,keyasint,omitempty"`

	// Reason is the diagnostic payload of Release or Abort.
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the CoAP response code sent for the error, if any.
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
