package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/homecenter/coap-server/pkg/blockwise"
	"github.com/homecenter/coap-server/pkg/discovery"
	"github.com/homecenter/coap-server/pkg/engine"
	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/observe"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/scheduler"
	"github.com/homecenter/coap-server/pkg/session"
	"github.com/homecenter/coap-server/pkg/supervisor"
	"github.com/homecenter/coap-server/pkg/transport"
	"github.com/homecenter/coap-server/pkg/wire"
)

// Context is one generation of the server. Everything except Do, Close
// and Endpoints belongs to the protocol goroutine.
type Context struct {
	cfg Config

	registry  *resource.Registry
	resources []*resource.Resource
	table     *session.Table
	store     *blockwise.Store
	notifier  *observe.Notifier
	engine    *engine.Engine
	sched     *scheduler.Scheduler

	endpoints  []transport.Endpoint
	advertised []transport.Kind

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewContext builds the protocol state and opens the endpoints. Endpoints
// that fail to bind are skipped; if none opens, ErrNoEndpoints is
// returned. Configuration errors are wrapped with supervisor.Permanent.
func NewContext(ctx context.Context, cfg Config) (*Context, error) {
	cfg.applyDefaults()

	creds, err := buildCredentials(cfg.Security)
	if err != nil {
		return nil, supervisor.Permanent(err)
	}

	c := &Context{cfg: cfg, registry: resource.NewRegistry()}
	for _, r := range cfg.Resources {
		res, err := r.Register(c.registry)
		if err != nil {
			return nil, supervisor.Permanent(err)
		}
		c.resources = append(c.resources, res)
	}

	c.sched = scheduler.New(scheduler.Config{Logger: cfg.Logger}, c.handle)
	c.table = session.NewTable(session.Config{
		IdleTimeout:    cfg.IdleTimeout,
		Logger:         cfg.Logger,
		ProtocolLogger: cfg.ProtocolLogger,
	})
	c.store = blockwise.NewStore(blockwise.Config{
		MaxBodySize:    cfg.MaxBodySize,
		ProtocolLogger: cfg.ProtocolLogger,
	})

	ids := engine.NewMessageIDs()
	c.notifier = observe.New(observe.Config{
		MaxObservers:   cfg.MaxObservers,
		Timers:         c.sched,
		NextMessageID:  ids.Next,
		Fill:           func(o *observe.Observer, resp resource.Response, m *wire.Message) { c.engine.FillNotification(o, resp, m) },
		Logger:         cfg.Logger,
		ProtocolLogger: cfg.ProtocolLogger,
	})

	ecfg := engine.Config{
		Registry:       c.registry,
		Store:          c.store,
		Notifier:       c.notifier,
		BlockSZX:       cfg.BlockSZX,
		MessageIDs:     ids,
		Logger:         cfg.Logger,
		ProtocolLogger: cfg.ProtocolLogger,
	}
	if cfg.Metrics != nil {
		ecfg.Recorder = cfg.Metrics
	}
	if c.engine, err = engine.New(ecfg); err != nil {
		return nil, supervisor.Permanent(err)
	}

	c.table.OnClose(func(s *session.Session, reason string) {
		c.notifier.DropSession(s.ID())
		c.store.DropSession(s.ID())
		c.engine.DropSession(s.ID())
	})

	epCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.openEndpoints(epCtx, creds)
	if len(c.endpoints) == 0 {
		c.Close()
		return nil, ErrNoEndpoints
	}

	c.advertise(ctx)
	logContext(cfg.ProtocolLogger, "STARTING", "RUNNING", "")
	return c, nil
}

func buildCredentials(sec *transport.SecurityConfig) (*transport.Credentials, error) {
	if sec == nil {
		return &transport.Credentials{Mode: transport.SecurityNone}, nil
	}
	return sec.Build()
}

func (c *Context) openEndpoints(ctx context.Context, creds *transport.Credentials) {
	tcfg := transport.Config{
		Credentials:      creds,
		MaxMessageSize:   c.cfg.MaxMessageSize,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Multicast:        c.cfg.Multicast,
		Interface:        c.cfg.Interface,
		Logger:           c.cfg.Logger,
		ProtocolLogger:   c.cfg.ProtocolLogger,
	}

	for _, kind := range c.cfg.Transports {
		if kind.Secure() && !creds.Supports(kind) {
			c.notice(kind, creds.Mode)
			continue
		}

		addr := c.cfg.addr(kind)
		ep, err := transport.Open(ctx, kind, addr, tcfg, c.sched)
		if err != nil {
			if c.cfg.Logger != nil {
				c.cfg.Logger.Warn("endpoint not opened", "transport", kind.String(), "addr", addr, "error", err)
			}
			continue
		}
		c.endpoints = append(c.endpoints, ep)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Endpoints.WithLabelValues(kind.String()).Set(1)
		}
		if c.cfg.Logger != nil {
			c.cfg.Logger.Info("listening", "transport", kind.String(), "addr", ep.Addr().String())
		}
	}
}

// notice explains why a secured endpoint is not opened. This is not an
// error: the server runs with the endpoints it has.
func (c *Context) notice(kind transport.Kind, mode transport.SecurityMode) {
	if c.cfg.Logger == nil {
		return
	}
	switch {
	case mode == transport.SecurityNone:
		c.cfg.Logger.Info(fmt.Sprintf("%s server mode not configured: no PSK or PKI credentials", kindLabel(kind)))
	case mode == transport.SecurityPSK && kind == transport.KindTLS:
		c.cfg.Logger.Info("TLS server mode not available with PSK: use DTLS or PKI")
	default:
		c.cfg.Logger.Info(fmt.Sprintf("%s server mode not available", kindLabel(kind)))
	}
}

func kindLabel(k transport.Kind) string {
	switch k {
	case transport.KindDTLS:
		return "DTLS"
	case transport.KindTLS:
		return "TLS"
	case transport.KindTCP:
		return "TCP"
	default:
		return "UDP"
	}
}

func (c *Context) advertise(ctx context.Context) {
	adv := c.cfg.Advertiser
	if adv == nil || len(c.resources) == 0 {
		return
	}
	res := c.resources[0]
	mode := transport.SecurityNone
	if c.cfg.Security != nil {
		mode = c.cfg.Security.Mode
	}

	for _, ep := range c.endpoints {
		info := &discovery.ServiceInfo{
			Instance:       c.cfg.Instance,
			Kind:           ep.Kind(),
			Port:           portOf(ep.Addr()),
			Path:           res.Path(),
			ContentFormats: []uint16{uint16(wire.TextPlain), uint16(wire.AppJSON), uint16(wire.AppCBOR)},
			Observable:     res.Observable(),
			Security:       transport.SecurityNone.String(),
		}
		if ep.Kind().Secure() {
			info.Security = mode.String()
		}
		if err := adv.Advertise(ctx, info); err != nil {
			if c.cfg.Logger != nil {
				c.cfg.Logger.Warn("advertising failed", "transport", ep.Kind().String(), "error", err)
			}
			continue
		}
		c.advertised = append(c.advertised, ep.Kind())
	}
}

func portOf(a net.Addr) int {
	_, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// handle runs on the protocol goroutine for every endpoint input.
func (c *Context) handle(in transport.Input) {
	s, data, err := c.table.Demux(in)
	if err != nil {
		if errors.Is(err, session.ErrHandshakeFailed) {
			if c.cfg.Logger != nil {
				c.cfg.Logger.Warn("handshake failed",
					"transport", in.Transport.String(),
					"remote", remoteOf(in),
					"error", in.Err)
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.HandshakeFailure.WithLabelValues(in.Transport.String()).Inc()
			}
			return
		}
		c.debugLog("input dropped", "input", in.Kind.String(), "transport", in.Transport.String(), "error", err)
		return
	}
	if data == nil {
		return
	}
	if in.Multicast {
		c.engine.ReceiveMulticast(s, data)
		return
	}
	c.engine.Receive(s, data)
}

func remoteOf(in transport.Input) string {
	if in.Peer == nil || in.Peer.RemoteAddr() == nil {
		return ""
	}
	return in.Peer.RemoteAddr().String()
}

// housekeeping runs on every scheduler cadence tick.
func (c *Context) housekeeping() {
	if n := c.table.Sweep(); n > 0 {
		c.debugLog("idle sessions closed", "count", n)
	}
	if n := c.engine.Expire(); n > 0 {
		c.debugLog("exchanges expired", "count", n)
	}
	if m := c.cfg.Metrics; m != nil {
		m.ActiveSessions.Set(float64(c.table.Len()))
		m.Observers.Set(float64(c.notifier.Count()))
		m.PendingExchanges.Set(float64(c.store.Len()))
	}
}

// Run drives the scheduler until ctx is cancelled (nil) or an endpoint
// fails (scheduler.ErrIOFailure).
func (c *Context) Run(ctx context.Context) error {
	err := c.sched.Run(ctx, c.cfg.HousekeepingInterval, c.housekeeping)
	if ctx.Err() != nil || errors.Is(err, scheduler.ErrStopped) {
		return nil
	}
	return err
}

// Do runs fn on the protocol goroutine and waits for it.
func (c *Context) Do(ctx context.Context, fn func()) error {
	return c.sched.CallWait(ctx, fn)
}

// Endpoints returns the open endpoints.
func (c *Context) Endpoints() []transport.Endpoint { return c.endpoints }

// Engine returns the request engine.
func (c *Context) Engine() *engine.Engine { return c.engine }

// Sessions returns the session table.
func (c *Context) Sessions() *session.Table { return c.table }

// Notifier returns the observe notifier.
func (c *Context) Notifier() *observe.Notifier { return c.notifier }

// Stats is a snapshot of a Context.
type Stats struct {
	Endpoints []string
	Sessions  int
	Observers int
	Exchanges int
}

// Stats returns counters. Call it on the protocol goroutine.
func (c *Context) Stats() Stats {
	st := Stats{
		Sessions:  c.table.Len(),
		Observers: c.notifier.Count(),
		Exchanges: c.store.Len(),
	}
	for _, ep := range c.endpoints {
		st.Endpoints = append(st.Endpoints, ep.Kind().String()+" "+ep.Addr().String())
	}
	return st
}

// Close stops the scheduler, closes endpoints and sessions and withdraws
// advertisements. Call it after Run returned, or instead of Run.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.sched.Close()
		for _, ep := range c.endpoints {
			if err := ep.Close(); err != nil {
				c.debugLog("endpoint close failed", "transport", ep.Kind().String(), "error", err)
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.Endpoints.WithLabelValues(ep.Kind().String()).Set(0)
			}
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.table.CloseAll("context closed")

		for _, kind := range c.advertised {
			_ = c.cfg.Advertiser.Stop(kind)
		}
		if len(c.endpoints) > 0 {
			logContext(c.cfg.ProtocolLogger, "RUNNING", "CLOSED", "")
		}
	})
}

func logContext(pl log.Logger, oldState, newState, reason string) {
	if pl == nil {
		return
	}
	pl.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerTransport,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityContext,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (c *Context) debugLog(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}
