package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the security state of a session.
type State uint8

const (
	StateNone State = iota
	StateHandshaking
	StateEstablished
	StateFailed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Event is a typed transition input.
type Event uint8

const (
	EventConnected Event = iota
	EventPacketArrived
	EventHandshakeComplete
	EventHandshakeFailed
	EventTimeout
	EventClose
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventPacketArrived:
		return "packet-arrived"
	case EventHandshakeComplete:
		return "handshake-complete"
	case EventHandshakeFailed:
		return "handshake-failed"
	case EventTimeout:
		return "timeout"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Transition returns the state after ev. secure selects the handshake path
// for EventConnected.
func Transition(s State, ev Event, secure bool) (State, error) {
	switch s {
	case StateNone:
		switch ev {
		case EventConnected:
			if secure {
				return StateHandshaking, nil
			}
			return StateEstablished, nil
		case EventPacketArrived:
			if !secure {
				return StateEstablished, nil
			}
		case EventHandshakeFailed, EventTimeout:
			return StateFailed, nil
		case EventClose:
			return StateClosed, nil
		}

	case StateHandshaking:
		switch ev {
		case EventHandshakeComplete:
			return StateEstablished, nil
		case EventHandshakeFailed, EventTimeout:
			return StateFailed, nil
		case EventClose:
			return StateClosed, nil
		}

	case StateEstablished:
		switch ev {
		case EventPacketArrived:
			return StateEstablished, nil
		case EventTimeout, EventClose:
			return StateClosed, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}
