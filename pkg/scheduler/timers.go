package scheduler

import (
	"container/heap"
	"time"
)

type timer struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

// timerHeap orders timers by deadline, then by creation.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// AfterFunc schedules fn to run on the protocol goroutine after d. It must
// be called from the protocol goroutine. The returned function cancels
// the timer if it has not fired.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	s.timerSeq++
	t := &timer{at: s.cfg.Now().Add(d), seq: s.timerSeq, fn: fn}
	heap.Push(&s.timers, t)
	return func() {
		if t.index >= 0 {
			heap.Remove(&s.timers, t.index)
		}
	}
}

// Timers returns the number of pending timers.
func (s *Scheduler) Timers() int { return s.timers.Len() }

// nextTimer returns the earliest deadline.
func (s *Scheduler) nextTimer() (time.Time, bool) {
	if s.timers.Len() == 0 {
		return time.Time{}, false
	}
	return s.timers[0].at, true
}

// fireDue runs every timer whose deadline has passed and returns how many ran.
func (s *Scheduler) fireDue() int {
	now := s.cfg.Now()
	n := 0
	for s.timers.Len() > 0 && !s.timers[0].at.After(now) {
		t := heap.Pop(&s.timers).(*timer)
		t.fn()
		n++
	}
	return n
}
