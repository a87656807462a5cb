package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/wire"
)

// streamEndpoint accepts TCP or TLS connections.
type streamEndpoint struct {
	kind     Kind
	listener net.Listener
	tlsConf  *tls.Config
	cfg      Config
	sink     Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns   map[*streamConn]struct{}
	connsMu sync.Mutex
	running atomic.Bool
}

func openStream(ctx context.Context, kind Kind, addr string, cfg Config, sink Sink) (*streamEndpoint, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	e := &streamEndpoint{
		kind:     kind,
		listener: listener,
		cfg:      cfg,
		sink:     sink,
		conns:    make(map[*streamConn]struct{}),
	}
	if kind == KindTLS {
		e.tlsConf = cfg.Credentials.TLS
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)

	e.wg.Add(2)
	go e.acceptLoop()
	go func() {
		defer e.wg.Done()
		<-e.ctx.Done()
		e.shutdown()
	}()
	return e, nil
}

func (e *streamEndpoint) Kind() Kind     { return e.kind }
func (e *streamEndpoint) Addr() net.Addr { return e.listener.Addr() }

// Close stops accepting, closes every connection and waits for readers.
func (e *streamEndpoint) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *streamEndpoint) shutdown() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.listener.Close()

	e.connsMu.Lock()
	for c := range e.conns {
		c.Close()
	}
	e.connsMu.Unlock()
}

func (e *streamEndpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !e.running.Load() || isClosedErr(err) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			e.sink.Post(Input{Kind: InputFatal, Transport: e.kind, Err: fmt.Errorf("accept: %w", err)})
			return
		}

		e.wg.Add(1)
		go e.handleConnection(conn)
	}
}

// handleConnection runs the handshake (TLS) and the read loop of one connection.
func (e *streamEndpoint) handleConnection(raw net.Conn) {
	defer e.wg.Done()

	c := &streamConn{
		kind:   e.kind,
		id:     uuid.New().String(),
		conn:   raw,
		remote: raw.RemoteAddr(),
		ep:     e,
	}
	if e.kind == KindTLS {
		c.conn = tls.Server(raw, e.tlsConf)
	}
	c.framer = NewFramer(c.conn, e.cfg.MaxMessageSize)
	if e.cfg.ProtocolLogger != nil {
		c.framer.SetLogger(e.cfg.ProtocolLogger, c.id, e.kind, c.remote.String())
	}

	e.connsMu.Lock()
	if !e.running.Load() {
		e.connsMu.Unlock()
		raw.Close()
		return
	}
	e.conns[c] = struct{}{}
	e.connsMu.Unlock()

	defer func() {
		e.connsMu.Lock()
		delete(e.conns, c)
		e.connsMu.Unlock()
	}()

	c.logState("", "CONNECTED", "")
	if !e.sink.Post(Input{Kind: InputConnected, Transport: e.kind, Peer: c}) {
		c.Close()
		return
	}

	if e.kind == KindTLS {
		identity, err := c.handshake(e.ctx, e.cfg.HandshakeTimeout)
		if err != nil {
			c.logState("HANDSHAKING", "FAILED", err.Error())
			c.Close()
			e.sink.Post(Input{Kind: InputHandshakeFailed, Transport: e.kind, Peer: c, Err: err})
			return
		}
		if !e.sink.Post(Input{Kind: InputHandshakeComplete, Transport: e.kind, Peer: c, Identity: identity}) {
			c.Close()
			return
		}
	}

	if err := c.sendCSM(e.cfg.MaxMessageSize); err != nil {
		c.Close()
		e.sink.Post(Input{Kind: InputClosed, Transport: e.kind, Peer: c, Err: err})
		return
	}

	err := c.readLoop()
	c.Close()
	c.logState("CONNECTED", "DISCONNECTED", errString(err))
	e.sink.Post(Input{Kind: InputClosed, Transport: e.kind, Peer: c, Err: err})
}

// streamConn is one TCP or TLS connection.
type streamConn struct {
	kind   Kind
	id     string
	conn   net.Conn
	framer *Framer
	remote net.Addr
	ep     *streamEndpoint

	// peerMaxSize is the peer's CSM Max-Message-Size (0 until received).
	peerMaxSize atomic.Uint32

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *streamConn) ID() string           { return c.id }
func (c *streamConn) Transport() Kind      { return c.kind }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

// Send writes one complete frame.
func (c *streamConn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if limit := c.peerMaxSize.Load(); limit > 0 && len(frame) > int(limit) {
		return fmt.Errorf("%w: %d > peer limit %d", ErrMessageTooLarge, len(frame), limit)
	}
	return c.framer.WriteFrame(frame)
}

// Close closes the connection; safe to call more than once.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

func (c *streamConn) handshake(ctx context.Context, timeout time.Duration) (string, error) {
	tlsConn := c.conn.(*tls.Conn)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return "", fmt.Errorf("tls handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	if state.NegotiatedProtocol != "" && state.NegotiatedProtocol != ALPNProtocol {
		return "", fmt.Errorf("unexpected ALPN protocol %q", state.NegotiatedProtocol)
	}
	return peerCommonName(state.PeerCertificates), nil
}

func (c *streamConn) sendCSM(maxSize int) error {
	csm := &wire.Message{Code: wire.CSM}
	csm.Options.SetUint(wire.MaxMessageSize, uint32(maxSize))
	csm.Options.Add(wire.BlockWiseTransfer, nil)
	if err := c.framer.WriteMessage(csm); err != nil {
		return err
	}
	c.logSignal(log.DirectionOut, &log.SignalEvent{Code: wire.CSM, MaxMessageSize: uint32(maxSize)})
	return nil
}

// readLoop reads frames until the connection ends. Signaling messages are
// answered here; everything else goes to the sink.
func (c *streamConn) readLoop() error {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if c.closed.Load() || isClosedErr(err) {
				return nil
			}
			return err
		}

		if code, ok := FrameCode(frame); ok && code.IsSignaling() {
			done, err := c.handleSignal(frame)
			if done || err != nil {
				return err
			}
			continue
		}

		if !c.ep.sink.Post(Input{Kind: InputPacket, Transport: c.kind, Peer: c, Data: frame}) {
			return nil
		}
	}
}

// handleSignal processes one 7.xx message. done reports that the
// connection must close.
func (c *streamConn) handleSignal(frame []byte) (done bool, err error) {
	msg, err := wire.UnmarshalTCP(frame)
	if err != nil {
		return true, err
	}

	ev := &log.SignalEvent{Code: msg.Code}
	if msg.Code == wire.Release || msg.Code == wire.Abort {
		ev.Reason = string(msg.Payload)
	}

	switch msg.Code {
	case wire.CSM:
		if size, ok := msg.Options.Uint(wire.MaxMessageSize); ok {
			ev.MaxMessageSize = size
			c.peerMaxSize.Store(size)
		}
		c.logSignal(log.DirectionIn, ev)

	case wire.Ping:
		c.logSignal(log.DirectionIn, ev)
		pong := &wire.Message{Code: wire.Pong, Token: msg.Token}
		if err := c.framer.WriteMessage(pong); err != nil {
			return true, err
		}
		c.logSignal(log.DirectionOut, &log.SignalEvent{Code: wire.Pong})

	case wire.Pong:
		c.logSignal(log.DirectionIn, ev)

	case wire.Release, wire.Abort:
		c.logSignal(log.DirectionIn, ev)
		return true, nil

	default:
		c.logSignal(log.DirectionIn, ev)
	}
	return false, nil
}

func (c *streamConn) logSignal(dir log.Direction, ev *log.SignalEvent) {
	if c.ep.cfg.ProtocolLogger == nil {
		return
	}
	c.ep.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  c.id,
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategorySignal,
		Transport:  c.kind.String(),
		RemoteAddr: c.remote.String(),
		Signal:     ev,
	})
}

func (c *streamConn) logState(oldState, newState, reason string) {
	if c.ep.cfg.ProtocolLogger != nil {
		c.ep.cfg.ProtocolLogger.Log(stateEvent(c.kind, c.id, c.remote, oldState, newState, reason))
	}
}

// peerCommonName returns the leaf common name, or "" without certificates.
func peerCommonName(certs []*x509.Certificate) string {
	if len(certs) == 0 {
		return ""
	}
	return certs[0].Subject.CommonName
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
