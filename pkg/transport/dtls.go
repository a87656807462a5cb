package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v3"

	"github.com/homecenter/coap-server/pkg/log"
)

// dtlsEndpoint accepts DTLS associations. Each association is read on its
// own goroutine and carries datagram-format messages.
type dtlsEndpoint struct {
	listener net.Listener
	cfg      Config
	sink     Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns   map[*dtlsConn]struct{}
	connsMu sync.Mutex
	running atomic.Bool
}

func openDTLS(ctx context.Context, addr string, cfg Config, sink Sink) (*dtlsEndpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	listener, err := dtls.Listen("udp", laddr, cfg.Credentials.DTLS)
	if err != nil {
		return nil, err
	}

	e := &dtlsEndpoint{
		listener: listener,
		cfg:      cfg,
		sink:     sink,
		conns:    make(map[*dtlsConn]struct{}),
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

func (e *dtlsEndpoint) Kind() Kind     { return KindDTLS }
func (e *dtlsEndpoint) Addr() net.Addr { return e.listener.Addr() }

// Close stops accepting, closes every association and waits for readers.
func (e *dtlsEndpoint) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *dtlsEndpoint) shutdown() {
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

func (e *dtlsEndpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !e.running.Load() || isClosedErr(err) {
				return
			}
			e.sink.Post(Input{Kind: InputFatal, Transport: KindDTLS, Err: fmt.Errorf("accept: %w", err)})
			return
		}
		dconn, ok := conn.(*dtls.Conn)
		if !ok {
			conn.Close()
			continue
		}

		e.wg.Add(1)
		go e.handleConnection(dconn)
	}
}

func (e *dtlsEndpoint) handleConnection(conn *dtls.Conn) {
	defer e.wg.Done()

	c := &dtlsConn{
		id:     uuid.New().String(),
		conn:   conn,
		remote: conn.RemoteAddr(),
		ep:     e,
	}

	e.connsMu.Lock()
	if !e.running.Load() {
		e.connsMu.Unlock()
		conn.Close()
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
	if !e.sink.Post(Input{Kind: InputConnected, Transport: KindDTLS, Peer: c}) {
		c.Close()
		return
	}

	identity, err := c.handshake(e.ctx, e.cfg.HandshakeTimeout)
	if err != nil {
		c.logState("HANDSHAKING", "FAILED", err.Error())
		c.Close()
		e.sink.Post(Input{Kind: InputHandshakeFailed, Transport: KindDTLS, Peer: c, Err: err})
		return
	}
	if !e.sink.Post(Input{Kind: InputHandshakeComplete, Transport: KindDTLS, Peer: c, Identity: identity}) {
		c.Close()
		return
	}

	err = c.readLoop()
	c.Close()
	c.logState("CONNECTED", "DISCONNECTED", errString(err))
	e.sink.Post(Input{Kind: InputClosed, Transport: KindDTLS, Peer: c, Err: err})
}

// dtlsConn is one DTLS association.
type dtlsConn struct {
	id     string
	conn   *dtls.Conn
	remote net.Addr
	ep     *dtlsEndpoint

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *dtlsConn) ID() string           { return c.id }
func (c *dtlsConn) Transport() Kind      { return KindDTLS }
func (c *dtlsConn) RemoteAddr() net.Addr { return c.remote }

// Send writes one datagram-format message as a single record.
func (c *dtlsConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	c.logFrame(data, log.DirectionOut)
	return nil
}

// Close sends close_notify and releases the association.
func (c *dtlsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// handshake completes the DTLS handshake and returns the client's PSK
// identity or its certificate common name.
func (c *dtlsConn) handshake(ctx context.Context, timeout time.Duration) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.conn.HandshakeContext(hctx); err != nil {
		return "", fmt.Errorf("dtls handshake: %w", err)
	}

	state, ok := c.conn.ConnectionState()
	if !ok {
		return "", nil
	}
	if len(state.IdentityHint) > 0 {
		return string(state.IdentityHint), nil
	}
	if len(state.PeerCertificates) > 0 {
		leaf, err := x509.ParseCertificate(state.PeerCertificates[0])
		if err == nil {
			return leaf.Subject.CommonName, nil
		}
	}
	return "", nil
}

func (c *dtlsConn) readLoop() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if c.closed.Load() || isClosedErr(err) {
				return nil
			}
			return err
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.logFrame(data, log.DirectionIn)

		if !c.ep.sink.Post(Input{Kind: InputPacket, Transport: KindDTLS, Peer: c, Data: data}) {
			return nil
		}
	}
}

func (c *dtlsConn) logFrame(data []byte, dir log.Direction) {
	if c.ep.cfg.ProtocolLogger == nil {
		return
	}
	c.ep.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  c.id,
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		Transport:  KindDTLS.String(),
		RemoteAddr: c.remote.String(),
		Frame:      log.NewFrameEvent(data),
	})
}

func (c *dtlsConn) logState(oldState, newState, reason string) {
	if c.ep.cfg.ProtocolLogger != nil {
		c.ep.cfg.ProtocolLogger.Log(stateEvent(KindDTLS, c.id, c.remote, oldState, newState, reason))
	}
}
