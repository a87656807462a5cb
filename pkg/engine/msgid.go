package engine

import "math/rand/v2"

// MessageIDs allocates datagram message IDs. One generator is shared by
// responses and notifications so IDs never collide within a session.
type MessageIDs struct {
	next uint16
}

// NewMessageIDs starts at a random ID.
func NewMessageIDs() *MessageIDs {
	return &MessageIDs{next: uint16(rand.N(1 << 16))}
}

// Next returns the next ID.
func (g *MessageIDs) Next() uint16 {
	g.next++
	return g.next
}
