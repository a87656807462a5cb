package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/transport"
	"github.com/homecenter/coap-server/pkg/wire"
)

// DefaultIdleTimeout closes sessions without input for this long.
const DefaultIdleTimeout = 300 * time.Second

// Session errors.
var (
	// ErrHandshakeFailed is fatal to the one session; the peer is dropped.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrNotEstablished indicates traffic on a session that has not
	// finished its handshake.
	ErrNotEstablished = errors.New("session not established")

	// ErrUnknownSession indicates an input for a session the table does not hold.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnexpectedInput indicates an input that is not a session event.
	ErrUnexpectedInput = errors.New("unexpected input")
)

// CloseFunc is called once for every session that leaves the table.
type CloseFunc func(s *Session, reason string)

// Config configures a Table.
type Config struct {
	// IdleTimeout closes sessions without input (default 300 s).
	IdleTimeout time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger captures session state changes (optional).
	ProtocolLogger log.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Table holds the live sessions of a Context.
type Table struct {
	cfg      Config
	sessions map[string]*Session
	onClose  []CloseFunc
}

// NewTable creates an empty session table.
func NewTable(cfg Config) *Table {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Table{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// OnClose registers a hook run for every session leaving the table.
func (t *Table) OnClose(fn CloseFunc) {
	t.onClose = append(t.onClose, fn)
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return len(t.sessions) }

// Get returns the session with the given id.
func (t *Table) Get(id string) (*Session, bool) {
	for _, s := range t.sessions {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns a snapshot of the live sessions.
func (t *Table) Sessions() []*Session {
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func peerKey(p transport.Peer) string {
	return p.Transport().String() + "/" + p.ID()
}

// Demux maps an endpoint input to its session. For InputPacket it returns
// the session and the datagram or frame; other inputs drive the state
// machine and return nil bytes. A failed handshake removes the session
// and returns ErrHandshakeFailed; a runt packet returns wire.ErrMalformed.
func (t *Table) Demux(in transport.Input) (*Session, []byte, error) {
	if in.Peer == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedInput, in.Kind)
	}
	key := peerKey(in.Peer)
	s := t.sessions[key]

	switch in.Kind {
	case transport.InputConnected:
		if s != nil {
			return s, nil, nil
		}
		s = t.create(in.Peer)
		if err := t.fire(s, EventConnected, ""); err != nil {
			return nil, nil, err
		}
		t.sessions[key] = s
		return s, nil, nil

	case transport.InputHandshakeComplete:
		if s == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
		}
		s.identity = in.Identity
		s.lastActivity = t.cfg.Now()
		if err := t.fire(s, EventHandshakeComplete, in.Identity); err != nil {
			return s, nil, err
		}
		return s, nil, nil

	case transport.InputHandshakeFailed:
		if s == nil {
			s = t.create(in.Peer)
			t.sessions[key] = s
		}
		reason := errString(in.Err)
		t.fire(s, EventHandshakeFailed, reason)
		t.remove(key, s, reason)
		return s, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, in.Err)

	case transport.InputClosed:
		if s == nil {
			return nil, nil, nil
		}
		reason := errString(in.Err)
		if reason == "" {
			reason = "peer closed"
		}
		t.fire(s, EventClose, reason)
		t.remove(key, s, reason)
		return s, nil, nil

	case transport.InputPacket:
		if s == nil {
			if in.Transport != transport.KindUDP {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
			}
			s = t.create(in.Peer)
			if err := t.fire(s, EventPacketArrived, ""); err != nil {
				return nil, nil, err
			}
			t.sessions[key] = s
		} else if err := t.fire(s, EventPacketArrived, ""); err != nil {
			return s, nil, fmt.Errorf("%w: %v", ErrNotEstablished, err)
		}
		s.lastActivity = t.cfg.Now()

		if len(in.Data) < minMessageSize(in.Transport) {
			return s, nil, fmt.Errorf("%w: %d byte %s packet", wire.ErrMalformed, len(in.Data), in.Transport)
		}
		return s, in.Data, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedInput, in.Kind)
}

func minMessageSize(k transport.Kind) int {
	if k.Stream() {
		return 2
	}
	return 4
}

// Touch records activity on s, deferring its idle timeout.
func (t *Table) Touch(s *Session) {
	s.lastActivity = t.cfg.Now()
}

// Close closes s with the given reason and removes it.
func (t *Table) Close(s *Session, reason string) {
	key := peerKey(s.peer)
	if t.sessions[key] != s {
		return
	}
	t.fire(s, EventClose, reason)
	t.remove(key, s, reason)
}

// CloseAll closes every session, as on Context teardown.
func (t *Table) CloseAll(reason string) {
	for key, s := range t.sessions {
		t.fire(s, EventClose, reason)
		t.remove(key, s, reason)
	}
}

// Sweep applies EventTimeout to every session idle for longer than the
// idle timeout and returns how many were removed.
func (t *Table) Sweep() int {
	now := t.cfg.Now()
	n := 0
	for key, s := range t.sessions {
		if now.Sub(s.lastActivity) < t.cfg.IdleTimeout {
			continue
		}
		t.fire(s, EventTimeout, "idle timeout")
		t.remove(key, s, "idle timeout")
		n++
	}
	return n
}

func (t *Table) create(p transport.Peer) *Session {
	id := p.ID()
	if p.Transport() == transport.KindUDP {
		id = uuid.New().String()
	}
	now := t.cfg.Now()
	return &Session{
		id:           id,
		peer:         p,
		state:        StateNone,
		created:      now,
		lastActivity: now,
	}
}

func (t *Table) fire(s *Session, ev Event, reason string) error {
	next, err := Transition(s.state, ev, s.peer.Transport().Secure())
	if err != nil {
		t.debugLog("session transition rejected", "session", s.id, "event", ev.String(), "state", s.state.String())
		return err
	}
	if next == s.state {
		return nil
	}

	old := s.state
	s.state = next
	t.debugLog("session state change",
		"session", s.id,
		"transport", s.peer.Transport().String(),
		"remote", s.peer.RemoteAddr().String(),
		"from", old.String(),
		"to", next.String(),
		"reason", reason)

	if t.cfg.ProtocolLogger != nil {
		t.cfg.ProtocolLogger.Log(log.Event{
			Timestamp:  t.cfg.Now(),
			SessionID:  s.id,
			Layer:      log.LayerResource,
			Category:   log.CategoryState,
			Transport:  s.peer.Transport().String(),
			RemoteAddr: s.peer.RemoteAddr().String(),
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				OldState: old.String(),
				NewState: next.String(),
				Reason:   reason,
			},
		})
	}
	return nil
}

func (t *Table) remove(key string, s *Session, reason string) {
	if _, ok := t.sessions[key]; !ok {
		return
	}
	delete(t.sessions, key)
	s.peer.Close()
	for _, fn := range t.onClose {
		fn(s, reason)
	}
}

func (t *Table) debugLog(msg string, args ...any) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug(msg, args...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
