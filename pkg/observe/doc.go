// Package observe implements RFC 7641 observer tracking and notification.
//
// An observer is registered by a GET carrying Observe=0 and identified by
// (resource path, session). Re-registering from the same session replaces
// the token. Observers are removed when the client sends Observe=1 or a
// plain GET with the registration token, answers a notification with RST,
// when its session is destroyed, or when a confirmable notification runs
// out of retransmissions.
//
// # Sequence Numbers
//
// Each resource keeps one 24-bit sequence counter. Every notification
// takes the next value, so the notifications one observer receives are
// strictly increasing (modulo 2^24, see RFC 7641 section 3.4).
//
// # Delivery
//
// On datagram transports notifications are confirmable and retransmitted
// with the RFC 7252 schedule: an initial timeout drawn from
// [AckTimeout, AckTimeout*AckRandomFactor], doubled after each attempt, at
// most MaxRetransmit retransmissions. A newer notification replaces one
// still in flight and inherits its retransmission count. On stream
// transports the connection is reliable and notifications are sent once.
//
// The Notifier is owned by the protocol goroutine and is not safe for
// concurrent use.
package observe
