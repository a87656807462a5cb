package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/homecenter/coap-server/pkg/log"
)

// AllCoAPNodesIPv4 and AllCoAPNodesIPv6 are the RFC 7252 multicast groups.
var (
	AllCoAPNodesIPv4 = net.IPv4(224, 0, 1, 187)
	AllCoAPNodesIPv6 = net.ParseIP("ff02::fd")
)

type udpEndpoint struct {
	conn   *net.UDPConn
	read   readFunc
	groups []net.IP
	cfg    Config
	sink   Sink
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func openUDP(ctx context.Context, addr string, cfg Config, sink Sink) (*udpEndpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &udpEndpoint{
		conn:   conn,
		cfg:    cfg,
		sink:   sink,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	// A group that cannot be joined narrows the endpoint to unicast
	// traffic; it does not fail it.
	for _, group := range cfg.Multicast {
		if err := joinGroup(conn, cfg.Interface, group); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warn("multicast join failed", "group", group.String(), "error", err)
			}
			continue
		}
		e.groups = append(e.groups, group)
	}
	e.read = e.newReader()

	e.wg.Add(2)
	go e.readLoop()
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			e.shutdown()
		case <-e.closed:
		}
	}()
	return e, nil
}

func joinGroup(conn *net.UDPConn, ifi *net.Interface, group net.IP) error {
	ga := &net.UDPAddr{IP: group}
	if group.To4() != nil {
		return ipv4.NewPacketConn(conn).JoinGroup(ifi, ga)
	}
	return ipv6.NewPacketConn(conn).JoinGroup(ifi, ga)
}

// readFunc reads one datagram and reports whether it was sent to a
// multicast address.
type readFunc func(buf []byte) (n int, src *net.UDPAddr, multicast bool, err error)

// newReader picks how datagrams are read. With groups joined the socket
// reports each datagram's destination; only the family of the first
// group is inspected.
func (e *udpEndpoint) newReader() readFunc {
	plain := func(buf []byte) (int, *net.UDPAddr, bool, error) {
		n, src, err := e.conn.ReadFromUDP(buf)
		return n, src, false, err
	}
	if len(e.groups) == 0 {
		return plain
	}

	if e.groups[0].To4() != nil {
		pc := ipv4.NewPacketConn(e.conn)
		if err := pc.SetControlMessage(ipv4.FlagDst, true); err == nil {
			return func(buf []byte) (int, *net.UDPAddr, bool, error) {
				n, cm, src, err := pc.ReadFrom(buf)
				ua, _ := src.(*net.UDPAddr)
				return n, ua, cm != nil && cm.Dst.IsMulticast(), err
			}
		}
	} else {
		pc := ipv6.NewPacketConn(e.conn)
		if err := pc.SetControlMessage(ipv6.FlagDst, true); err == nil {
			return func(buf []byte) (int, *net.UDPAddr, bool, error) {
				n, cm, src, err := pc.ReadFrom(buf)
				ua, _ := src.(*net.UDPAddr)
				return n, ua, cm != nil && cm.Dst.IsMulticast(), err
			}
		}
	}
	if e.cfg.Logger != nil {
		e.cfg.Logger.Warn("multicast destination not available, treating all datagrams as unicast")
	}
	return plain
}

func (e *udpEndpoint) Kind() Kind     { return KindUDP }
func (e *udpEndpoint) Addr() net.Addr { return e.conn.LocalAddr() }

// Close stops the reader and waits for it.
func (e *udpEndpoint) Close() error {
	e.shutdown()
	e.wg.Wait()
	return nil
}

func (e *udpEndpoint) shutdown() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.cancel()
		e.conn.Close()
	})
}

func (e *udpEndpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, multicast, err := e.read(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// The socket is unusable; let the owner restart.
			e.sink.Post(Input{Kind: InputFatal, Transport: KindUDP, Err: err})
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		peer := &udpPeer{ep: e, addr: raddr}
		if e.cfg.ProtocolLogger != nil {
			e.cfg.ProtocolLogger.Log(log.Event{
				Timestamp:  time.Now(),
				SessionID:  peer.ID(),
				Direction:  log.DirectionIn,
				Layer:      log.LayerTransport,
				Category:   log.CategoryMessage,
				Transport:  KindUDP.String(),
				RemoteAddr: raddr.String(),
				Frame:      log.NewFrameEvent(data),
			})
		}
		if !e.sink.Post(Input{Kind: InputPacket, Transport: KindUDP, Peer: peer, Data: data, Multicast: multicast}) {
			return
		}
	}
}

// udpPeer addresses one remote endpoint through the shared socket.
type udpPeer struct {
	ep   *udpEndpoint
	addr *net.UDPAddr
}

func (p *udpPeer) ID() string           { return p.addr.String() }
func (p *udpPeer) Transport() Kind      { return KindUDP }
func (p *udpPeer) RemoteAddr() net.Addr { return p.addr }
func (p *udpPeer) Close() error         { return nil }

func (p *udpPeer) Send(data []byte) error {
	select {
	case <-p.ep.closed:
		return ErrClosed
	default:
	}
	if _, err := p.ep.conn.WriteToUDP(data, p.addr); err != nil {
		return err
	}
	if p.ep.cfg.ProtocolLogger != nil {
		p.ep.cfg.ProtocolLogger.Log(log.Event{
			Timestamp:  time.Now(),
			SessionID:  p.ID(),
			Direction:  log.DirectionOut,
			Layer:      log.LayerTransport,
			Category:   log.CategoryMessage,
			Transport:  KindUDP.String(),
			RemoteAddr: p.addr.String(),
			Frame:      log.NewFrameEvent(data),
		})
	}
	return nil
}
