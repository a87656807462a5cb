package session

import (
	"net"
	"time"

	"github.com/homecenter/coap-server/pkg/transport"
	"github.com/homecenter/coap-server/pkg/wire"
)

// Session is one peer association.
type Session struct {
	id       string
	peer     transport.Peer
	identity string
	state    State

	created      time.Time
	lastActivity time.Time
}

// ID returns the session UUID. Connection sessions share the id the
// transport logged for the connection.
func (s *Session) ID() string { return s.id }

// Peer returns the sending half of the session.
func (s *Session) Peer() transport.Peer { return s.peer }

// Transport returns the endpoint kind of the session.
func (s *Session) Transport() transport.Kind { return s.peer.Transport() }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.peer.RemoteAddr() }

// Identity is the PSK identity or certificate common name, if any.
func (s *Session) Identity() string { return s.identity }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Created returns when the session was created.
func (s *Session) Created() time.Time { return s.created }

// LastActivity returns when the session last received input.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// Reliable reports whether the transport delivers in order without loss,
// so confirmable messages and message IDs are not used.
func (s *Session) Reliable() bool { return s.peer.Transport().Stream() }

// Encode marshals m in the session's wire format.
func (s *Session) Encode(m *wire.Message) ([]byte, error) {
	if s.Reliable() {
		return wire.MarshalTCP(m)
	}
	return wire.MarshalUDP(m)
}

// Decode unmarshals data in the session's wire format.
func (s *Session) Decode(data []byte) (*wire.Message, error) {
	if s.Reliable() {
		return wire.UnmarshalTCP(data)
	}
	return wire.UnmarshalUDP(data)
}

// Send encodes m and writes it to the peer.
func (s *Session) Send(m *wire.Message) error {
	if s.state != StateEstablished {
		return ErrNotEstablished
	}
	data, err := s.Encode(m)
	if err != nil {
		return err
	}
	return s.peer.Send(data)
}
