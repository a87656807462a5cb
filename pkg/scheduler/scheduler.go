package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/homecenter/coap-server/pkg/transport"
)

// DefaultQueueSize is the capacity of the input queue.
const DefaultQueueSize = 256

// Scheduler errors.
var (
	// ErrIOFailure is fatal to the Context: an endpoint can no longer read.
	ErrIOFailure = errors.New("I/O failure")

	// ErrStopped is returned by Process after Close.
	ErrStopped = errors.New("scheduler stopped")
)

// HandlerFunc processes one input on the protocol goroutine.
type HandlerFunc func(in transport.Input)

// Config configures a Scheduler.
type Config struct {
	// QueueSize is the input queue capacity (default 256).
	QueueSize int

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// Now overrides the clock for timers (tests).
	Now func() time.Time
}

// Scheduler serializes endpoint inputs, timers and calls onto the
// goroutine that runs Process.
type Scheduler struct {
	cfg    Config
	handle HandlerFunc

	inputs chan transport.Input
	calls  chan func()

	closeOnce sync.Once
	closed    chan struct{}

	// Owned by the protocol goroutine.
	timers   timerHeap
	timerSeq uint64
}

// New creates a scheduler that passes every non-fatal input to handle.
func New(cfg Config, handle HandlerFunc) *Scheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		handle: handle,
		inputs: make(chan transport.Input, cfg.QueueSize),
		calls:  make(chan func(), 16),
		closed: make(chan struct{}),
	}
}

// Post queues an input. It blocks while the queue is full and returns
// false once the scheduler is closed. Safe for concurrent use.
func (s *Scheduler) Post(in transport.Input) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.inputs <- in:
		return true
	case <-s.closed:
		return false
	}
}

// Call runs fn on the protocol goroutine. It returns false if the
// scheduler is closed. Safe for concurrent use.
func (s *Scheduler) Call(fn func()) bool {
	select {
	case s.calls <- fn:
		return true
	case <-s.closed:
		return false
	}
}

// CallWait runs fn on the protocol goroutine and waits for it to finish.
func (s *Scheduler) CallWait(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.Call(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting inputs and calls. Blocked Post calls return false.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Process waits up to maxWait for an input, call or timer, then handles it
// together with what was already queued and every due timer. It returns
// the time spent. A fatal endpoint input returns ErrIOFailure.
func (s *Scheduler) Process(ctx context.Context, maxWait time.Duration) (time.Duration, error) {
	start := time.Now()

	if maxWait < 0 {
		maxWait = 0
	}
	wait := maxWait
	if at, ok := s.nextTimer(); ok {
		if d := at.Sub(s.cfg.Now()); d < wait {
			wait = max(d, 0)
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	case <-s.closed:
		return time.Since(start), ErrStopped
	case in := <-s.inputs:
		if err := s.dispatch(in); err != nil {
			return time.Since(start), err
		}
	case fn := <-s.calls:
		fn()
	case <-timer.C:
	}

	if err := s.drain(); err != nil {
		return time.Since(start), err
	}
	s.fireDue()
	return time.Since(start), nil
}

// drain handles the inputs and calls queued when it starts. Anything
// posted meanwhile waits for the next Process, so due timers are never
// starved by a busy queue.
func (s *Scheduler) drain() error {
	for n := len(s.inputs); n > 0; n-- {
		if err := s.dispatch(<-s.inputs); err != nil {
			return err
		}
	}
	for n := len(s.calls); n > 0; n-- {
		(<-s.calls)()
	}
	return nil
}

func (s *Scheduler) dispatch(in transport.Input) error {
	if in.Kind == transport.InputFatal {
		s.debugLog("fatal endpoint input", "transport", in.Transport.String(), "error", in.Err)
		return fmt.Errorf("%w: %s endpoint: %v", ErrIOFailure, in.Transport, in.Err)
	}
	s.handle(in)
	return nil
}

// Run calls Process until ctx is done or an error occurs, running
// housekeeping on every cadence tick.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, housekeeping func()) error {
	cadence := NewCadence(interval, s.cfg.Now)
	for {
		if _, err := s.Process(ctx, cadence.Remaining()); err != nil {
			return err
		}
		if cadence.Due() && housekeeping != nil {
			housekeeping()
		}
	}
}

func (s *Scheduler) debugLog(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, args...)
	}
}

var _ transport.Sink = (*Scheduler)(nil)
