package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the supervised context's state.
type State uint8

const (
	// StateStopped indicates Run has not been called.
	StateStopped State = iota

	// StateStarting indicates a context is being built.
	StateStarting

	// StateRunning indicates the context reported ready.
	StateRunning

	// StateRestarting indicates the supervisor is waiting out the backoff.
	StateRestarting

	// StateClosed indicates Run has returned.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateRestarting:
		return "RESTARTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// RunFunc builds and runs one context until it fails or ctx is
// cancelled. It calls ready once the context is serving.
type RunFunc func(ctx context.Context, ready func()) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth a restart.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config configures a Supervisor.
type Config struct {
	Backoff BackoffConfig

	// Logger is the optional logger for restart notices.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// OnStateChange is called outside the lock on every transition.
	OnStateChange func(oldState, newState State)

	// OnRestart is called before each backoff wait.
	OnRestart func(attempt int, delay time.Duration, err error)

	// After overrides time.After (tests).
	After func(time.Duration) <-chan time.Time
}

// Supervisor rebuilds a failed context with backoff.
type Supervisor struct {
	mu sync.RWMutex

	state    State
	restarts int

	run     RunFunc
	backoff *Backoff
	config  Config
}

// New creates a supervisor for run.
func New(run RunFunc, config Config) *Supervisor {
	if config.After == nil {
		config.After = time.After
	}
	return &Supervisor{
		state:   StateStopped,
		run:     run,
		backoff: NewBackoff(config.Backoff),
		config:  config,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Restarts returns how many times a context has been rebuilt.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Run runs contexts until ctx is cancelled or one fails permanently.
// Cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setState(StateStarting)

		err := s.run(ctx, s.ready)
		if ctx.Err() != nil || err == nil {
			s.setState(StateClosed)
			return nil
		}
		if IsPermanent(err) {
			s.setState(StateClosed)
			if s.config.Logger != nil {
				s.config.Logger.Error("context failed permanently", "error", err)
			}
			return err
		}

		s.setState(StateRestarting)
		delay := s.backoff.Next()
		attempt := s.backoff.Attempts()

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()

		if s.config.Logger != nil {
			s.config.Logger.Warn("context failed, restarting",
				"error", err,
				"attempt", attempt,
				"delay", delay)
		}
		if s.config.OnRestart != nil {
			s.config.OnRestart(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return nil
		case <-s.config.After(delay):
		}
	}
}

// ready resets the backoff; a context that came up counts as success.
func (s *Supervisor) ready() {
	s.backoff.Reset()
	s.setState(StateRunning)
}

func (s *Supervisor) setState(newState State) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	if oldState != newState && s.config.OnStateChange != nil {
		s.config.OnStateChange(oldState, newState)
	}
}
