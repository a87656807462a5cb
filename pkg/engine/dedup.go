package engine

import "time"

type dedupKey struct {
	session string
	mid     uint16
}

type dedupEntry struct {
	reply    []byte
	deadline time.Time
}

// dedupCache remembers the reply to each datagram request for the exchange
// lifetime, so a retransmitted request is answered without running the
// handler again.
type dedupCache struct {
	entries  map[dedupKey]*dedupEntry
	lifetime time.Duration
}

func newDedupCache(lifetime time.Duration) *dedupCache {
	return &dedupCache{entries: make(map[dedupKey]*dedupEntry), lifetime: lifetime}
}

func (c *dedupCache) lookup(session string, mid uint16, now time.Time) (*dedupEntry, bool) {
	e, ok := c.entries[dedupKey{session, mid}]
	if !ok || now.After(e.deadline) {
		return nil, false
	}
	return e, true
}

// remember records reply (nil when nothing was sent).
func (c *dedupCache) remember(session string, mid uint16, reply []byte, now time.Time) {
	c.entries[dedupKey{session, mid}] = &dedupEntry{reply: reply, deadline: now.Add(c.lifetime)}
}

func (c *dedupCache) dropSession(session string) {
	for k := range c.entries {
		if k.session == session {
			delete(c.entries, k)
		}
	}
}

func (c *dedupCache) expire(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if now.After(e.deadline) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
