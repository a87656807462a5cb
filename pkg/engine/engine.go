package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/homecenter/coap-server/pkg/blockwise"
	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/observe"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/session"
	"github.com/homecenter/coap-server/pkg/wire"
)

// DefaultBlockSZX selects 64-byte blocks.
const DefaultBlockSZX uint8 = 2

// ErrNoRegistry is returned by New without a resource registry.
var ErrNoRegistry = errors.New("engine: registry required")

// Recorder observes handled requests (metrics).
type Recorder interface {
	RequestHandled(transport string, method, code wire.Code, elapsed time.Duration)
	NotificationsSent(n int)
}

// Config configures an Engine.
type Config struct {
	Registry *resource.Registry

	// Store holds block-wise exchanges. Created with defaults if nil.
	Store *blockwise.Store

	// Notifier receives observe registrations. Observe options are
	// ignored if nil.
	Notifier *observe.Notifier

	// BlockSZX is the preferred Block2 size exponent (default 2, 64 bytes).
	BlockSZX uint8

	// MessageIDs allocates IDs for NON responses. Created if nil.
	MessageIDs *MessageIDs

	// Lifetime bounds duplicate detection (default EXCHANGE_LIFETIME).
	Lifetime time.Duration

	// Recorder is told about every handled request (optional).
	Recorder Recorder

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger captures decoded messages (optional).
	ProtocolLogger log.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Engine handles requests for all sessions.
type Engine struct {
	cfg   Config
	dedup *dedupCache
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, ErrNoRegistry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = blockwise.NewStore(blockwise.Config{Now: cfg.Now, ProtocolLogger: cfg.ProtocolLogger})
	}
	if cfg.BlockSZX == 0 || cfg.BlockSZX > 6 {
		cfg.BlockSZX = DefaultBlockSZX
	}
	if cfg.MessageIDs == nil {
		cfg.MessageIDs = NewMessageIDs()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = blockwise.DefaultLifetime
	}
	return &Engine{cfg: cfg, dedup: newDedupCache(cfg.Lifetime)}, nil
}

// Store returns the block-wise exchange store.
func (e *Engine) Store() *blockwise.Store { return e.cfg.Store }

// Receive processes one packet delivered by the session table: it decodes
// the message, runs the message layer, handles requests and sends the reply.
func (e *Engine) Receive(s *session.Session, data []byte) {
	e.receive(s, data, false)
}

// ReceiveMulticast processes a datagram sent to a multicast group. Error
// responses and RSTs are not sent (RFC 7252 section 8.1).
func (e *Engine) ReceiveMulticast(s *session.Session, data []byte) {
	e.receive(s, data, true)
}

func (e *Engine) receive(s *session.Session, data []byte, multicast bool) {
	start := e.cfg.Now()

	m, err := s.Decode(data)
	if err != nil {
		e.rejectMalformed(s, data, err, multicast)
		return
	}
	e.logMessage(s, m, log.DirectionIn, nil)

	if s.Reliable() {
		if !m.Code.IsRequest() {
			e.debugLog("dropping non-request", "session", s.ID(), "code", m.Code.String())
			return
		}
		resp, changed := e.handle(s, m)
		e.send(s, m, resp, start, false)
		e.notify(changed)
		return
	}

	switch m.Type {
	case wire.TypeAcknowledgement:
		if m.Code == wire.Empty && e.cfg.Notifier != nil {
			e.cfg.Notifier.Acknowledge(s.ID(), m.MessageID)
		}
		return
	case wire.TypeReset:
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.Reset(s.ID(), m.MessageID)
		}
		return
	}

	if !m.Code.IsRequest() {
		// CoAP ping, or a response we never asked for.
		if m.Type == wire.TypeConfirmable {
			e.reply(s, &wire.Message{Type: wire.TypeReset, Code: wire.Empty, MessageID: m.MessageID}, multicast)
		}
		return
	}

	now := e.cfg.Now()
	if prev, ok := e.dedup.lookup(s.ID(), m.MessageID, now); ok {
		e.debugLog("duplicate request", "session", s.ID(), "mid", m.MessageID)
		if prev.reply != nil {
			if err := s.Peer().Send(prev.reply); err != nil {
				e.debugLog("resend failed", "session", s.ID(), "error", err)
			}
		}
		return
	}

	resp, changed := e.handle(s, m)
	if m.Type == wire.TypeConfirmable {
		resp.Type = wire.TypeAcknowledgement
		resp.MessageID = m.MessageID
	} else {
		resp.Type = wire.TypeNonConfirmable
		resp.MessageID = e.cfg.MessageIDs.Next()
	}
	data, sent := e.send(s, m, resp, start, multicast)
	if sent {
		e.dedup.remember(s.ID(), m.MessageID, data, now)
	}
	e.notify(changed)
}

// Handle serves one request and returns the response without message-layer
// fields. Observers of a changed resource are notified before it returns.
func (e *Engine) Handle(s *session.Session, req *wire.Message) *wire.Message {
	resp, changed := e.handle(s, req)
	e.notify(changed)
	return resp
}

// DropSession forgets the duplicate-detection state of a session.
func (e *Engine) DropSession(sessionID string) {
	e.dedup.dropSession(sessionID)
}

// Expire removes expired duplicate-detection entries and block-wise
// exchanges, returning how many were removed.
func (e *Engine) Expire() int {
	return e.dedup.expire(e.cfg.Now()) + e.cfg.Store.Expire()
}

// Changed notifies the observers of path after a state change that did
// not come from a request.
func (e *Engine) Changed(path string) error {
	res, err := e.cfg.Registry.Lookup(path)
	if err != nil {
		return err
	}
	e.notify(res)
	return nil
}

func (e *Engine) notify(res *resource.Resource) {
	if res == nil {
		return
	}
	e.cfg.Store.Invalidate(res.Path())
	if e.cfg.Notifier != nil {
		if n := e.cfg.Notifier.NotifyAll(res); n > 0 {
			e.debugLog("observers notified", "path", res.Path(), "count", n)
			if e.cfg.Recorder != nil {
				e.cfg.Recorder.NotificationsSent(n)
			}
		}
	}
}

// send encodes and writes resp, returning the encoded bytes.
func (e *Engine) send(s *session.Session, req, resp *wire.Message, start time.Time, multicast bool) ([]byte, bool) {
	if multicast && silent(resp) {
		e.debugLog("multicast reply suppressed", "session", s.ID(), "code", resp.Code.String())
		return nil, false
	}
	data, err := s.Encode(resp)
	if err != nil {
		e.debugLog("encode response failed", "session", s.ID(), "error", err)
		return nil, false
	}
	if err := s.Peer().Send(data); err != nil {
		e.debugLog("send response failed", "session", s.ID(), "error", err)
		return nil, false
	}

	elapsed := e.cfg.Now().Sub(start)
	e.logMessage(s, resp, log.DirectionOut, &elapsed)
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.RequestHandled(s.Transport().String(), req.Code, resp.Code, elapsed)
	}
	return data, true
}

// reply sends a message-layer-only message (RST, 4.00 for a malformed request).
func (e *Engine) reply(s *session.Session, m *wire.Message, multicast bool) {
	if multicast && silent(m) {
		e.debugLog("multicast reply suppressed", "session", s.ID(), "code", m.Code.String())
		return
	}
	data, err := s.Encode(m)
	if err != nil {
		return
	}
	if err := s.Peer().Send(data); err != nil {
		e.debugLog("send failed", "session", s.ID(), "error", err)
		return
	}
	e.logMessage(s, m, log.DirectionOut, nil)
}

// rejectMalformed answers an undecodable message: 4.00 to a request whose
// header survived, RST to any other confirmable datagram, nothing otherwise.
func (e *Engine) rejectMalformed(s *session.Session, data []byte, err error, multicast bool) {
	e.debugLog("malformed message", "session", s.ID(), "error", err)

	h, ok := peekHeader(data, s.Reliable())
	var resp *wire.Message
	switch {
	case !ok:
	case h.code.IsRequest() && (s.Reliable() || h.typ != wire.TypeAcknowledgement && h.typ != wire.TypeReset):
		resp = &wire.Message{Code: wire.BadRequest, Token: h.token, Payload: diagnostic(err)}
		if !s.Reliable() {
			resp.Type, resp.MessageID = wire.TypeAcknowledgement, h.mid
			if h.typ == wire.TypeNonConfirmable {
				resp.Type, resp.MessageID = wire.TypeNonConfirmable, e.cfg.MessageIDs.Next()
			}
		}
	case !s.Reliable() && h.typ == wire.TypeConfirmable:
		resp = &wire.Message{Type: wire.TypeReset, Code: wire.Empty, MessageID: h.mid}
	}

	var code *int
	if resp != nil {
		c := int(resp.Code)
		code = &c
	}
	e.logError(s, err, code)
	if resp != nil {
		e.reply(s, resp, multicast)
	}
}

// silent reports whether m must not answer a multicast request.
func silent(m *wire.Message) bool {
	return m.Type == wire.TypeReset || m.Code.Class() == 4 || m.Code.Class() == 5
}

func (e *Engine) logMessage(s *session.Session, m *wire.Message, dir log.Direction, elapsed *time.Duration) {
	if e.cfg.ProtocolLogger == nil {
		return
	}
	ev := log.NewMessageEvent(m)
	ev.ProcessingTime = elapsed
	e.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  e.cfg.Now(),
		SessionID:  s.ID(),
		Direction:  dir,
		Layer:      log.LayerMessage,
		Category:   log.CategoryMessage,
		Transport:  s.Transport().String(),
		RemoteAddr: addrString(s),
		Message:    ev,
	})
}

func (e *Engine) logError(s *session.Session, err error, code *int) {
	if e.cfg.ProtocolLogger == nil {
		return
	}
	e.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  e.cfg.Now(),
		SessionID:  s.ID(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerMessage,
		Category:   log.CategoryError,
		Transport:  s.Transport().String(),
		RemoteAddr: addrString(s),
		Error: &log.ErrorEventData{
			Layer:   log.LayerMessage,
			Message: err.Error(),
			Code:    code,
			Context: "decode",
		},
	})
}

func addrString(s *session.Session) string {
	if a := s.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (e *Engine) debugLog(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug(msg, args...)
	}
}

func diagnostic(err error) []byte {
	return []byte(fmt.Sprint(err))
}
