package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/homecenter/coap-server/pkg/wire"
)

func TestUDPEndpointDeliversAndReplies(t *testing.T) {
	sink := newChanSink()
	ep := openTest(t, KindUDP, Config{}, sink)

	client, err := net.DialUDP("udp", nil, ep.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer client.Close()

	req := &wire.Message{Type: wire.TypeConfirmable, Code: wire.GET, MessageID: 1, Token: []byte{7}}
	req.SetPath("Espressif")
	data, _ := wire.MarshalUDP(req)
	if _, err := client.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	in := sink.next(t, InputPacket)
	if in.Transport != KindUDP {
		t.Errorf("Transport = %v, want udp", in.Transport)
	}
	if in.Peer.ID() != client.LocalAddr().String() {
		t.Errorf("Peer.ID() = %q, want %q", in.Peer.ID(), client.LocalAddr().String())
	}
	got, err := wire.UnmarshalUDP(in.Data)
	if err != nil {
		t.Fatalf("UnmarshalUDP() error = %v", err)
	}
	if got.Path() != "Espressif" {
		t.Errorf("Path() = %q", got.Path())
	}

	ack := &wire.Message{Type: wire.TypeAcknowledgement, Code: wire.Content, MessageID: 1, Token: []byte{7}}
	reply, _ := wire.MarshalUDP(ack)
	if err := in.Peer.Send(reply); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 1500)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	back, err := wire.UnmarshalUDP(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalUDP() error = %v", err)
	}
	if back.Code != wire.Content || back.MessageID != 1 {
		t.Errorf("reply = %v mid %d", back.Code, back.MessageID)
	}
}

func TestUDPEndpointCloseStopsSends(t *testing.T) {
	sink := newChanSink()
	ep, err := Open(context.Background(), KindUDP, "127.0.0.1:0", Config{}, sink)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	client, err := net.DialUDP("udp", nil, ep.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer client.Close()
	client.Write([]byte{0x40, 0x00, 0x00, 0x01})
	in := sink.next(t, InputPacket)

	if err := ep.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := in.Peer.Send([]byte{0x60, 0x00, 0x00, 0x01}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
}

func TestOpenBindFailed(t *testing.T) {
	sink := newChanSink()
	first := openTest(t, KindTCP, Config{}, sink)

	_, err := Open(context.Background(), KindTCP, first.Addr().String(), Config{}, sink)
	if !errors.Is(err, ErrBindFailed) {
		t.Errorf("Open() on a bound port error = %v, want ErrBindFailed", err)
	}
}

func TestOpenSecureWithoutCredentials(t *testing.T) {
	for _, kind := range []Kind{KindDTLS, KindTLS} {
		_, err := Open(context.Background(), kind, "127.0.0.1:0", Config{}, newChanSink())
		if !errors.Is(err, ErrNoCredentials) {
			t.Errorf("Open(%s) error = %v, want ErrNoCredentials", kind, err)
		}
	}
}

func TestDefaultAddr(t *testing.T) {
	if got := DefaultAddr("", KindUDP); got != ":5683" {
		t.Errorf("DefaultAddr(udp) = %q", got)
	}
	if got := DefaultAddr("::1", KindDTLS); got != "[::1]:5684" {
		t.Errorf("DefaultAddr(dtls) = %q", got)
	}
}

func TestUDPEndpointSkipsUnjoinableGroup(t *testing.T) {
	cfg := Config{Multicast: []net.IP{net.IPv4(192, 0, 2, 1)}}
	ep := openTest(t, KindUDP, cfg, newChanSink())

	if groups := ep.(*udpEndpoint).groups; len(groups) != 0 {
		t.Errorf("groups = %v, want none joined", groups)
	}
}

// loopbackMulticast returns a loopback interface that supports multicast.
func loopbackMulticast(t *testing.T) *net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("no interfaces: %v", err)
	}
	for i := range ifaces {
		f := ifaces[i].Flags
		if f&net.FlagLoopback != 0 && f&net.FlagMulticast != 0 && f&net.FlagUp != 0 {
			return &ifaces[i]
		}
	}
	t.Skip("no multicast-capable loopback interface")
	return nil
}

func TestUDPEndpointFlagsMulticastDatagrams(t *testing.T) {
	lo := loopbackMulticast(t)
	sink := newChanSink()
	cfg := Config{Multicast: []net.IP{AllCoAPNodesIPv4}, Interface: lo}
	ep, err := Open(context.Background(), KindUDP, "0.0.0.0:0", cfg, sink)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ep.Close()
	if len(ep.(*udpEndpoint).groups) == 0 {
		t.Skip("multicast group could not be joined here")
	}
	port := ep.Addr().(*net.UDPAddr).Port

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer client.Close()
	pc := ipv4.NewPacketConn(client)
	if err := pc.SetMulticastInterface(lo); err != nil {
		t.Skipf("SetMulticastInterface: %v", err)
	}
	_ = pc.SetMulticastLoopback(true)

	req := &wire.Message{Type: wire.TypeNonConfirmable, Code: wire.GET, MessageID: 1}
	req.SetPath("Espressif")
	data, _ := wire.MarshalUDP(req)

	if _, err := client.WriteToUDP(data, &net.UDPAddr{IP: AllCoAPNodesIPv4, Port: port}); err != nil {
		t.Skipf("multicast send: %v", err)
	}
	select {
	case in := <-sink.ch:
		if !in.Multicast {
			t.Error("Multicast = false for a datagram sent to the group")
		}
	case <-time.After(2 * time.Second):
		t.Skip("multicast datagram not delivered here")
	}

	if _, err := client.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}); err != nil {
		t.Fatalf("unicast send: %v", err)
	}
	if in := sink.next(t, InputPacket); in.Multicast {
		t.Error("Multicast = true for a unicast datagram")
	}
}
