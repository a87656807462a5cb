package server

import (
	"context"
	"sync"
	"time"

	"github.com/homecenter/coap-server/pkg/supervisor"
)

// Server keeps a Context running, rebuilding it after fatal failures.
type Server struct {
	cfg Config
	sup *supervisor.Supervisor

	mu      sync.RWMutex
	current *Context
}

// New validates cfg and creates a Server. Nothing is opened until Run.
func New(cfg Config) (*Server, error) {
	if len(cfg.Resources) == 0 {
		return nil, ErrNoResources
	}
	cfg.applyDefaults()

	s := &Server{cfg: cfg}
	s.sup = supervisor.New(s.runContext, supervisor.Config{
		Backoff: cfg.Backoff,
		Logger:  cfg.Logger,
		OnRestart: func(attempt int, delay time.Duration, err error) {
			if cfg.Metrics != nil {
				cfg.Metrics.ContextRestarts.Inc()
			}
			logContext(cfg.ProtocolLogger, "RUNNING", "RESTARTING", err.Error())
		},
	})
	return s, nil
}

// Run serves until ctx is cancelled (nil) or a Context fails permanently.
func (s *Server) Run(ctx context.Context) error {
	return s.sup.Run(ctx)
}

func (s *Server) runContext(ctx context.Context, ready func()) error {
	c, err := NewContext(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer func() {
		s.setCurrent(nil)
		c.Close()
	}()

	s.setCurrent(c)
	ready()
	if s.cfg.OnContext != nil {
		s.cfg.OnContext(c)
	}
	return c.Run(ctx)
}

func (s *Server) setCurrent(c *Context) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

// Do runs fn with the live Context on its protocol goroutine.
func (s *Server) Do(ctx context.Context, fn func(c *Context)) error {
	s.mu.RLock()
	c := s.current
	s.mu.RUnlock()
	if c == nil {
		return ErrNotRunning
	}
	return c.Do(ctx, func() { fn(c) })
}

// State returns the supervisor state.
func (s *Server) State() supervisor.State { return s.sup.State() }

// Restarts returns how many Contexts have been rebuilt.
func (s *Server) Restarts() int { return s.sup.Restarts() }
