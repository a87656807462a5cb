package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Defaults.
const (
	DefaultPulseDuration = 5 * time.Second
	DefaultQueueSize     = 8
	DefaultMaxFailures   = 3
	DefaultOpenTimeout   = 30 * time.Second
)

// ErrStopped is returned by Run after Stop.
var ErrStopped = errors.New("actuator stopped")

// Output is the side-effect hook that switches the physical output.
type Output interface {
	Set(on bool) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(on bool) error

// Set calls f(on).
func (f OutputFunc) Set(on bool) error { return f(on) }

// Command is a queued actuation.
type Command uint8

const (
	// CommandOff switches the output off.
	CommandOff Command = iota
	// CommandPulse switches the output on for the pulse duration, then off.
	CommandPulse
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandOff:
		return "OFF"
	case CommandPulse:
		return "PULSE"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Worker.
type Config struct {
	Output        Output
	PulseDuration time.Duration
	QueueSize     int

	// MaxFailures consecutive output errors open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open.
	OpenTimeout time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// OnCommand is called after each command ran (tests, metrics).
	OnCommand func(cmd Command, err error)
}

// Worker executes commands on its own goroutine.
type Worker struct {
	cfg     Config
	queue   chan Command
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	on      bool
	dropped uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// NewWorker creates a worker. Start it with Run.
func NewWorker(cfg Config) *Worker {
	if cfg.Output == nil {
		cfg.Output = OutputFunc(func(bool) error { return nil })
	}
	if cfg.PulseDuration <= 0 {
		cfg.PulseDuration = DefaultPulseDuration
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}

	w := &Worker{
		cfg:   cfg,
		queue: make(chan Command, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "actuator",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.debugLog("breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return w
}

// Pulse queues a pulse. It never blocks; a full queue drops the command.
func (w *Worker) Pulse() bool { return w.enqueue(CommandPulse) }

// Off queues switching the output off.
func (w *Worker) Off() bool { return w.enqueue(CommandOff) }

func (w *Worker) enqueue(cmd Command) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.queue <- cmd:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.debugLog("actuator queue full, command dropped", "command", cmd.String())
		return false
	}
}

// On reports the last state written to the output.
func (w *Worker) On() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.on
}

// Dropped returns how many commands were dropped on a full queue.
func (w *Worker) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// BreakerState returns the circuit breaker state.
func (w *Worker) BreakerState() gobreaker.State { return w.breaker.State() }

// Run executes commands until ctx is done or Stop is called. The output
// is switched off before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.started.Store(true)
	defer close(w.done)
	defer func() {
		if w.On() {
			_ = w.set(false)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return ErrStopped
		case cmd := <-w.queue:
			err := w.execute(ctx, cmd)
			if err != nil {
				w.debugLog("actuator command failed", "command", cmd.String(), "error", err)
			}
			if w.cfg.OnCommand != nil {
				w.cfg.OnCommand(cmd, err)
			}
		}
	}
}

// Stop ends Run and waits for it to return if it was started. The output
// is off once Stop returns.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) execute(ctx context.Context, cmd Command) error {
	switch cmd {
	case CommandOff:
		return w.set(false)
	case CommandPulse:
		if err := w.set(true); err != nil {
			return err
		}
		t := time.NewTimer(w.cfg.PulseDuration)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		case <-w.stop:
		}
		return w.set(false)
	}
	return fmt.Errorf("unknown command %d", cmd)
}

func (w *Worker) set(on bool) error {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.cfg.Output.Set(on)
	})
	if err != nil {
		return fmt.Errorf("set output %t: %w", on, err)
	}
	w.mu.Lock()
	w.on = on
	w.mu.Unlock()
	return nil
}

func (w *Worker) debugLog(msg string, args ...any) {
	if w.cfg.Logger != nil {
		w.cfg.Logger.Debug(msg, args...)
	}
}
