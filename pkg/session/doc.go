// Package session tracks per-peer CoAP sessions.
//
// A session is synthesized for every UDP peer on its first datagram and
// corresponds to a connection for TCP, DTLS and TLS. Each session follows
// an explicit state machine:
//
//	NONE --connected--> HANDSHAKING --handshake-complete--> ESTABLISHED
//	NONE --connected--> ESTABLISHED               (plain TCP)
//	NONE --packet-arrived--> ESTABLISHED           (UDP)
//	HANDSHAKING --handshake-failed|timeout--> FAILED
//	any live state --close--> CLOSED, ESTABLISHED --timeout--> CLOSED
//
// FAILED and CLOSED are terminal; the session is removed from the Table
// and every OnClose hook runs, which is how observers and pending
// exchanges of the session are dropped.
//
// The Table is not safe for concurrent use. It is owned by the protocol
// goroutine.
package session
