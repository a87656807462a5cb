package observe

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/wire"
)

// Timers runs callbacks on the protocol goroutine after a delay.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// FillFunc turns a rendered response into the code, options and payload
// of a notification.
type FillFunc func(o *Observer, resp resource.Response, m *wire.Message)

// Config configures a Notifier.
type Config struct {
	// MaxObservers bounds registrations across all resources.
	MaxObservers int

	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int

	// Timers schedules retransmissions. Required for datagram observers.
	Timers Timers

	// NextMessageID allocates message IDs for confirmable notifications.
	NextMessageID func() uint16

	// Fill shapes the notification; nil copies code, format, Max-Age and body.
	Fill FillFunc

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger captures notifications and observer changes (optional).
	ProtocolLogger log.Logger

	// Now and Rand override the clock and jitter source (tests).
	Now  func() time.Time
	Rand func() float64
}

type midKey struct {
	session string
	mid     uint16
}

// Notifier tracks observers per resource and pushes notifications.
type Notifier struct {
	cfg Config

	// observers by path, then by session id
	observers map[string]map[string]*Observer
	inFlight  map[midKey]*Observer
	seq       map[string]uint32
	count     int
	mid       uint16
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	if cfg.MaxObservers <= 0 {
		cfg.MaxObservers = DefaultMaxObservers
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.AckRandomFactor < 1 {
		cfg.AckRandomFactor = DefaultAckRandomFactor
	}
	if cfg.MaxRetransmit <= 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Fill == nil {
		cfg.Fill = defaultFill
	}
	n := &Notifier{
		cfg:       cfg,
		observers: make(map[string]map[string]*Observer),
		inFlight:  make(map[midKey]*Observer),
		seq:       make(map[string]uint32),
	}
	if n.cfg.NextMessageID == nil {
		n.cfg.NextMessageID = func() uint16 { n.mid++; return n.mid }
	}
	return n
}

func defaultFill(_ *Observer, resp resource.Response, m *wire.Message) {
	m.Code = resp.Code
	if resp.HasFormat {
		m.SetContentFormat(resp.Format)
	}
	if resp.MaxAge > 0 {
		m.SetMaxAge(resp.MaxAge)
	}
	m.Payload = resp.Body
}

// Subscribe registers target as an observer of res. A second registration
// from the same session replaces the first.
func (n *Notifier) Subscribe(res *resource.Resource, target Target, token []byte, req *resource.Request) (*Observer, error) {
	if !res.Observable() {
		return nil, fmt.Errorf("%w: /%s", ErrNotObservable, res.Path())
	}

	path := res.Path()
	byID := n.observers[path]
	if old, ok := byID[target.ID()]; ok {
		old.stopTimer()
		n.clearInFlight(old)
		old.Token = append([]byte(nil), token...)
		old.Accept, old.HasAccept = req.Accept, req.HasAccept
		old.Registered = n.cfg.Now()
		old.state = StateSubscribed
		return old, nil
	}

	if n.count >= n.cfg.MaxObservers {
		return nil, ErrResourceExhausted
	}

	o := &Observer{
		Path:       path,
		Token:      append([]byte(nil), token...),
		Target:     target,
		Accept:     req.Accept,
		HasAccept:  req.HasAccept,
		Registered: n.cfg.Now(),
		state:      StateSubscribed,
	}
	if byID == nil {
		byID = make(map[string]*Observer)
		n.observers[path] = byID
	}
	byID[target.ID()] = o
	n.count++
	n.logState(o, "", StateSubscribed, "registered")
	return o, nil
}

// Unsubscribe removes the observer of path held by sessionID.
func (n *Notifier) Unsubscribe(path, sessionID string) error {
	o, ok := n.observers[path][sessionID]
	if !ok {
		return ErrObserverNotFound
	}
	n.deregister(o, "deregistered")
	return nil
}

// UnsubscribeToken removes the observer of path held by sessionID if it
// was registered with token. It reports whether one was removed.
func (n *Notifier) UnsubscribeToken(path, sessionID string, token []byte) bool {
	o, ok := n.observers[path][sessionID]
	if !ok || !wire.TokenEqual(o.Token, token) {
		return false
	}
	n.deregister(o, "plain GET with registration token")
	return true
}

// Lookup returns the observer of path held by sessionID.
func (n *Notifier) Lookup(path, sessionID string) (*Observer, bool) {
	o, ok := n.observers[path][sessionID]
	return o, ok
}

// Sequence returns the current sequence number of path, used in the
// response that confirms a registration.
func (n *Notifier) Sequence(path string) uint32 {
	return n.seq[path]
}

func (n *Notifier) nextSequence(path string) uint32 {
	s := (n.seq[path] + 1) & wire.MaxObserveSequence
	n.seq[path] = s
	return s
}

// Observers returns the observers of path.
func (n *Notifier) Observers(path string) []*Observer {
	out := make([]*Observer, 0, len(n.observers[path]))
	for _, o := range n.observers[path] {
		out = append(out, o)
	}
	return out
}

// Count returns the number of observers across all resources.
func (n *Notifier) Count() int { return n.count }

// NotifyAll sends the current representation of res to every observer
// and returns how many notifications were sent. Failures are logged and
// deregister the observer; they are not reported to the caller.
func (n *Notifier) NotifyAll(res *resource.Resource) int {
	path := res.Path()
	byID := n.observers[path]
	if len(byID) == 0 {
		return 0
	}

	seq := n.nextSequence(path)
	sent := 0
	for _, o := range byID {
		resp, err := res.Serve(&resource.Request{
			Method:    wire.GET,
			Path:      path,
			Accept:    o.Accept,
			HasAccept: o.HasAccept,
			SessionID: o.SessionID(),
		})
		if err != nil {
			n.debugLog("notification render failed", "path", path, "session", o.SessionID(), "error", err)
			continue
		}

		m := &wire.Message{Token: o.Token}
		n.cfg.Fill(o, resp, m)
		m.SetObserve(seq)
		o.LastSequence = seq

		if n.deliver(o, m) {
			sent++
		}
	}
	return sent
}

func (n *Notifier) deliver(o *Observer, m *wire.Message) bool {
	if o.Target.Reliable() {
		m.Type = wire.TypeNonConfirmable
		if err := o.Target.Send(m); err != nil {
			n.deregister(o, "send failed: "+err.Error())
			return false
		}
		n.logMessage(o, m)
		return true
	}

	if n.cfg.Timers == nil {
		n.deregister(o, "no retransmission timers")
		return false
	}

	m.Type = wire.TypeConfirmable
	m.MessageID = n.cfg.NextMessageID()

	if o.state == StateDelivering {
		// The newer notification takes over the retransmission state.
		o.stopTimer()
		n.clearInFlight(o)
	} else {
		o.attempts = 0
		o.timeout = n.initialTimeout()
		n.setState(o, StateDelivering, "")
	}
	o.messageID = m.MessageID
	o.pending = m
	n.inFlight[midKey{session: o.SessionID(), mid: m.MessageID}] = o

	if err := o.Target.Send(m); err != nil {
		n.deregister(o, "send failed: "+err.Error())
		return false
	}
	n.logMessage(o, m)
	n.schedule(o)
	return true
}

func (n *Notifier) initialTimeout() time.Duration {
	spread := float64(n.cfg.AckTimeout) * (n.cfg.AckRandomFactor - 1)
	return n.cfg.AckTimeout + time.Duration(spread*n.cfg.Rand())
}

func (n *Notifier) schedule(o *Observer) {
	o.cancelTimer = n.cfg.Timers.AfterFunc(o.timeout, func() { n.retransmit(o) })
}

func (n *Notifier) retransmit(o *Observer) {
	o.cancelTimer = nil
	if o.state != StateDelivering || o.pending == nil {
		return
	}
	if o.attempts >= n.cfg.MaxRetransmit {
		n.deregister(o, fmt.Sprintf("no acknowledgement after %d retransmissions", o.attempts))
		return
	}

	o.attempts++
	o.timeout *= 2
	if err := o.Target.Send(o.pending); err != nil {
		n.deregister(o, "send failed: "+err.Error())
		return
	}
	n.debugLog("notification retransmitted", "path", o.Path, "session", o.SessionID(), "mid", o.messageID, "attempt", o.attempts)
	n.logMessage(o, o.pending)
	n.schedule(o)
}

// Acknowledge handles an ACK for a confirmable notification. It reports
// whether the message ID belonged to one.
func (n *Notifier) Acknowledge(sessionID string, mid uint16) bool {
	o, ok := n.inFlight[midKey{session: sessionID, mid: mid}]
	if !ok {
		return false
	}
	o.stopTimer()
	n.clearInFlight(o)
	o.attempts = 0
	n.setState(o, StateSubscribed, "acknowledged")
	return true
}

// Reset handles an RST answering a notification: the observer is
// removed. It reports whether the message ID belonged to a notification.
func (n *Notifier) Reset(sessionID string, mid uint16) bool {
	o, ok := n.inFlight[midKey{session: sessionID, mid: mid}]
	if !ok {
		return false
	}
	n.deregister(o, "reset by peer")
	return true
}

// DropSession removes every observer of a session and returns how many.
func (n *Notifier) DropSession(sessionID string) int {
	dropped := 0
	for _, byID := range n.observers {
		if o, ok := byID[sessionID]; ok {
			n.deregister(o, "session closed")
			dropped++
		}
	}
	return dropped
}

func (n *Notifier) clearInFlight(o *Observer) {
	if o.pending != nil {
		delete(n.inFlight, midKey{session: o.SessionID(), mid: o.messageID})
	}
	o.pending = nil
}

func (n *Notifier) deregister(o *Observer, reason string) {
	if o.state == StateDeregistered {
		return
	}
	o.stopTimer()
	n.clearInFlight(o)

	byID := n.observers[o.Path]
	if cur, ok := byID[o.SessionID()]; ok && cur == o {
		delete(byID, o.SessionID())
		if len(byID) == 0 {
			delete(n.observers, o.Path)
		}
		n.count--
	}
	n.setState(o, StateDeregistered, reason)
}

func (n *Notifier) setState(o *Observer, s State, reason string) {
	if o.state == s {
		return
	}
	old := o.state
	o.state = s
	n.logState(o, old.String(), s, reason)
}

func (n *Notifier) logState(o *Observer, old string, s State, reason string) {
	n.debugLog("observer state change", "path", o.Path, "session", o.SessionID(), "from", old, "to", s.String(), "reason", reason)
	if n.cfg.ProtocolLogger == nil {
		return
	}
	n.cfg.ProtocolLogger.Log(log.Event{
		Timestamp: n.cfg.Now(),
		SessionID: o.SessionID(),
		Layer:     log.LayerResource,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityObserver,
			OldState: old,
			NewState: s.String(),
			Reason:   "/" + o.Path + ": " + reason,
		},
	})
}

func (n *Notifier) logMessage(o *Observer, m *wire.Message) {
	if n.cfg.ProtocolLogger == nil {
		return
	}
	ev := log.NewMessageEvent(m)
	ev.Path = o.Path
	n.cfg.ProtocolLogger.Log(log.Event{
		Timestamp: n.cfg.Now(),
		SessionID: o.SessionID(),
		Direction: log.DirectionOut,
		Layer:     log.LayerMessage,
		Category:  log.CategoryMessage,
		Message:   ev,
	})
}

func (n *Notifier) debugLog(msg string, args ...any) {
	if n.cfg.Logger != nil {
		n.cfg.Logger.Debug(msg, args...)
	}
}
