package scheduler

import "time"

// DefaultInterval is the housekeeping period.
const DefaultInterval = 2 * time.Second

// Cadence is a fixed-period deadline. The deadline, not a decremented
// counter, is authoritative: time spent between calls is charged against
// the current period.
type Cadence struct {
	interval time.Duration
	next     time.Time
	now      func() time.Time
}

// NewCadence starts a cadence whose first deadline is one interval away.
// A nil now uses time.Now.
func NewCadence(interval time.Duration, now func() time.Time) *Cadence {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Cadence{interval: interval, next: now().Add(interval), now: now}
}

// Remaining returns the time left in the current period, never negative.
func (c *Cadence) Remaining() time.Duration {
	return max(c.next.Sub(c.now()), 0)
}

// Due reports whether the deadline has passed. If so the next deadline is
// set one interval later, skipping whole periods that were missed.
func (c *Cadence) Due() bool {
	now := c.now()
	if now.Before(c.next) {
		return false
	}
	missed := now.Sub(c.next) / c.interval
	c.next = c.next.Add((missed + 1) * c.interval)
	return true
}

// Next returns the current deadline.
func (c *Cadence) Next() time.Time { return c.next }
