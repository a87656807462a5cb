// Package transport opens the CoAP endpoints and moves bytes between the
// network and the protocol goroutine.
//
// Four endpoint kinds are supported:
//
//	┌──────────┬───────────┬──────────────────────────┐
//	│ Kind     │ Port      │ Framing                  │
//	├──────────┼───────────┼──────────────────────────┤
//	│ UDP      │ 5683/udp  │ RFC 7252 datagram        │
//	│ TCP      │ 5683/tcp  │ RFC 8323 length-prefixed │
//	│ DTLS     │ 5684/udp  │ RFC 7252 datagram        │
//	│ TLS      │ 5684/tcp  │ RFC 8323 length-prefixed │
//	└──────────┴───────────┴──────────────────────────┘
//
// Every endpoint reader, stream connection and handshake runs on its own
// goroutine. None of them touch protocol state: they post Input values to a
// Sink (the scheduler) and the protocol goroutine answers through the Peer
// carried by each input.
//
// Stream connections handle RFC 8323 signaling themselves: a CSM is sent on
// connect, Ping is answered with Pong, and Release or Abort close the
// connection.
package transport
