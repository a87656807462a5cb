package observe

import (
	"errors"
	"time"

	"github.com/homecenter/coap-server/pkg/wire"
)

// Observer errors.
var (
	ErrNotObservable     = errors.New("resource not observable")
	ErrResourceExhausted = errors.New("maximum observers reached")
	ErrObserverNotFound  = errors.New("observer not found")
)

// RFC 7252 transmission parameters and observer limits.
const (
	DefaultAckTimeout      = 2 * time.Second
	DefaultAckRandomFactor = 1.5
	DefaultMaxRetransmit   = 4
	DefaultMaxObservers    = 50
)

// State is the delivery state of an observer.
type State uint8

const (
	// StateSubscribed has no notification in flight.
	StateSubscribed State = iota

	// StateDelivering waits for the ACK of a confirmable notification.
	StateDelivering

	// StateDeregistered is terminal; the observer has been removed.
	StateDeregistered
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateDelivering:
		return "DELIVERING"
	case StateDeregistered:
		return "DEREGISTERED"
	default:
		return "UNKNOWN"
	}
}

// Target is the session an observer belongs to.
type Target interface {
	ID() string

	// Reliable reports a stream transport; notifications are then sent
	// without CoAP-level confirmation.
	Reliable() bool

	Send(m *wire.Message) error
}

// Observer is one registration.
type Observer struct {
	Path   string
	Token  []byte
	Target Target

	// Accept is the media type asked for at registration.
	Accept    wire.MediaType
	HasAccept bool

	// LastSequence is the Observe value of the latest notification.
	LastSequence uint32

	// Registered is when the observer was (re-)registered.
	Registered time.Time

	state State

	// Delivery state of the confirmable notification in flight.
	messageID   uint16
	attempts    int
	timeout     time.Duration
	pending     *wire.Message
	cancelTimer func()
}

// State returns the delivery state.
func (o *Observer) State() State { return o.state }

// SessionID returns the id of the observing session.
func (o *Observer) SessionID() string { return o.Target.ID() }

func (o *Observer) stopTimer() {
	if o.cancelTimer != nil {
		o.cancelTimer()
		o.cancelTimer = nil
	}
}
