package transport

import (
	"fmt"
	"net"
)

// Kind is an endpoint transport kind.
type Kind uint8

const (
	KindUDP Kind = iota
	KindTCP
	KindDTLS
	KindTLS
)

// Kinds lists every endpoint kind in open order.
var Kinds = []Kind{KindUDP, KindTCP, KindDTLS, KindTLS}

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	case KindDTLS:
		return "dtls"
	case KindTLS:
		return "tls"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Secure reports whether the kind runs over (D)TLS.
func (k Kind) Secure() bool {
	return k == KindDTLS || k == KindTLS
}

// Stream reports whether the kind uses RFC 8323 stream framing.
func (k Kind) Stream() bool {
	return k == KindTCP || k == KindTLS
}

// InputKind classifies an Input.
type InputKind uint8

const (
	// InputConnected is a new stream or DTLS connection, before any handshake.
	InputConnected InputKind = iota
	// InputPacket carries one datagram or one complete stream frame.
	InputPacket
	// InputHandshakeComplete reports a finished (D)TLS handshake.
	InputHandshakeComplete
	// InputHandshakeFailed reports a failed (D)TLS handshake or peer verification.
	InputHandshakeFailed
	// InputClosed reports a connection closed by either side.
	InputClosed
	// InputFatal reports that an endpoint can no longer read.
	InputFatal
)

// String returns the input kind name.
func (k InputKind) String() string {
	switch k {
	case InputConnected:
		return "connected"
	case InputPacket:
		return "packet"
	case InputHandshakeComplete:
		return "handshake-complete"
	case InputHandshakeFailed:
		return "handshake-failed"
	case InputClosed:
		return "closed"
	case InputFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Input is one event posted by an endpoint to the protocol goroutine.
type Input struct {
	Kind InputKind

	// Transport is the kind of endpoint that produced the input.
	Transport Kind

	// Peer answers the remote side. Nil for InputFatal.
	Peer Peer

	// Data is the raw datagram or frame for InputPacket.
	Data []byte

	// Multicast is set for datagrams sent to a joined multicast group.
	Multicast bool

	// Identity is the PSK identity or peer certificate common name
	// learned during the handshake.
	Identity string

	// Err explains InputHandshakeFailed, InputClosed and InputFatal.
	Err error
}

// Sink receives inputs from endpoint goroutines. Post must be safe for
// concurrent use; it returns false once the sink no longer accepts input,
// and the caller should stop reading.
type Sink interface {
	Post(in Input) bool
}

// Peer is the sending half of a session.
type Peer interface {
	// ID is unique among live peers: the remote address for UDP, a UUID
	// for connections.
	ID() string

	// Transport returns the endpoint kind the peer arrived on.
	Transport() Kind

	// RemoteAddr returns the peer's address.
	RemoteAddr() net.Addr

	// Send writes one encoded message (datagram or complete frame).
	Send(data []byte) error

	// Close tears down the underlying connection. A no-op for UDP peers.
	Close() error
}
