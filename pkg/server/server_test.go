package server

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/homecenter/coap-server/pkg/discovery"
	"github.com/homecenter/coap-server/pkg/espressif"
	"github.com/homecenter/coap-server/pkg/metrics"
	"github.com/homecenter/coap-server/pkg/supervisor"
	"github.com/homecenter/coap-server/pkg/transport"
	"github.com/homecenter/coap-server/pkg/wire"
)

type stubActuator struct {
	mock.Mock
}

func (a *stubActuator) Pulse() bool { return a.Called().Bool(0) }
func (a *stubActuator) Off() bool   { return a.Called().Bool(0) }

type stubAdvertiser struct {
	mock.Mock
}

func (a *stubAdvertiser) Advertise(ctx context.Context, info *discovery.ServiceInfo) error {
	return a.Called(info.Kind, info.Port).Error(0)
}

func (a *stubAdvertiser) Stop(kind transport.Kind) error { return a.Called(kind).Error(0) }
func (a *stubAdvertiser) StopAll()                      { a.Called() }

type fixedSensor struct{}

func (fixedSensor) Read() (int, int) { return 21, 40 }

type running struct {
	srv  *Server
	ctx  *Context
	stop func()
	done chan error
	once sync.Once
}

func startServer(t *testing.T, cfg Config) *running {
	t.Helper()
	contexts := make(chan *Context, 1)
	cfg.OnContext = func(c *Context) { contexts <- c }

	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, stop: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Run(ctx) }()

	select {
	case r.ctx = <-contexts:
	case err := <-r.done:
		cancel()
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("context did not come up")
	}
	t.Cleanup(r.shutdown)
	return r
}

func (r *running) shutdown() {
	r.once.Do(func() {
		r.stop()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func (r *running) addr(t *testing.T, kind transport.Kind) string {
	t.Helper()
	for _, ep := range r.ctx.Endpoints() {
		if ep.Kind() == kind {
			return ep.Addr().String()
		}
	}
	t.Fatalf("no %s endpoint", kind)
	return ""
}

func loopback(kinds ...transport.Kind) map[transport.Kind]string {
	addrs := make(map[transport.Kind]string, len(kinds))
	for _, k := range kinds {
		addrs[k] = "127.0.0.1:0"
	}
	return addrs
}

type udpClient struct {
	t    *testing.T
	conn net.Conn
	mid  uint16
}

func dialUDP(t *testing.T, addr string) *udpClient {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &udpClient{t: t, conn: conn, mid: 0x1000}
}

func (c *udpClient) send(m *wire.Message) {
	c.t.Helper()
	data, err := wire.MarshalUDP(m)
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *udpClient) read() *wire.Message {
	c.t.Helper()
	buf := make([]byte, 2048)
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := c.conn.Read(buf)
	require.NoError(c.t, err)
	m, err := wire.UnmarshalUDP(buf[:n])
	require.NoError(c.t, err)
	return m
}

// do sends a confirmable request and returns the piggybacked response.
func (c *udpClient) do(code wire.Code, token byte, payload string, opts ...func(*wire.Message)) *wire.Message {
	c.t.Helper()
	c.mid++
	req := &wire.Message{Type: wire.TypeConfirmable, Code: code, MessageID: c.mid, Token: []byte{token}}
	req.SetPath(espressif.Path)
	if payload != "" {
		req.Payload = []byte(payload)
	}
	for _, o := range opts {
		o(req)
	}
	c.send(req)

	for {
		m := c.read()
		if m.Type == wire.TypeAcknowledgement && m.MessageID == c.mid {
			return m
		}
	}
}

func withObserve(m *wire.Message) { m.SetObserve(0) }

func newResource(act espressif.Actuator) *espressif.Resource {
	return espressif.New(espressif.Config{Sensor: fixedSensor{}, Actuator: act})
}

func TestNewRequiresResource(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestUDPExchange(t *testing.T) {
	act := &stubActuator{}
	act.On("Pulse").Return(true)
	act.On("Off").Return(true)

	m := metrics.New()
	r := startServer(t, Config{
		Transports: []transport.Kind{transport.KindUDP},
		Addrs:      loopback(transport.KindUDP),
		Resources:  []Registrar{newResource(act)},
		Metrics:    m,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Endpoints.WithLabelValues("udp")))
	assert.Equal(t, supervisor.StateRunning, r.srv.State())

	observer := dialUDP(t, r.addr(t, transport.KindUDP))
	writer := dialUDP(t, r.addr(t, transport.KindUDP))

	t.Run("GetBeforePut", func(t *testing.T) {
		resp := observer.do(wire.GET, 1, "")
		assert.Equal(t, wire.Content, resp.Code)
		assert.JSONEq(t, `{"temperature":21,"humidity":40,"state":"RECEIVED COMMAND!"}`, string(resp.Payload))
	})

	t.Run("PutOnPulses", func(t *testing.T) {
		resp := writer.do(wire.PUT, 2, "On")
		assert.Equal(t, wire.Created, resp.Code)
		act.AssertCalled(t, "Pulse")
	})

	t.Run("Delete", func(t *testing.T) {
		resp := writer.do(wire.DELETE, 3, "")
		assert.Equal(t, wire.Deleted, resp.Code)
	})

	t.Run("ObserveSeesPut", func(t *testing.T) {
		resp := observer.do(wire.GET, 4, "", withObserve)
		assert.Equal(t, wire.Content, resp.Code)
		_, ok := resp.Observe()
		assert.True(t, ok)
		assert.Contains(t, string(resp.Payload), "RECEIVED COMMAND!")

		put := writer.do(wire.PUT, 5, "Off")
		assert.Equal(t, wire.Created, put.Code)
		act.AssertCalled(t, "Off")

		n := observer.read()
		assert.Equal(t, wire.Content, n.Code)
		assert.Equal(t, []byte{4}, n.Token)
		seq, ok := n.Observe()
		assert.True(t, ok)
		assert.Greater(t, seq, uint32(0))
		assert.Contains(t, string(n.Payload), `"state":"Off"`)
	})

	var stats Stats
	require.NoError(t, r.srv.Do(context.Background(), func(c *Context) { stats = c.Stats() }))
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.Observers)
	assert.Len(t, stats.Endpoints, 1)
	assert.True(t, strings.HasPrefix(stats.Endpoints[0], "udp "))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Notifications), 1.0)
}

func TestTCPExchange(t *testing.T) {
	act := &stubActuator{}
	act.On("Pulse").Return(true)

	r := startServer(t, Config{
		Transports:     []transport.Kind{transport.KindTCP},
		Addrs:          loopback(transport.KindTCP),
		MaxMessageSize: 1152,
		Resources:      []Registrar{newResource(act)},
	})

	conn, err := net.Dial("tcp", r.addr(t, transport.KindTCP))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	framer := transport.NewFramer(conn, 4096)
	read := func() *wire.Message {
		frame, err := framer.ReadFrame()
		require.NoError(t, err)
		m, err := wire.UnmarshalTCP(frame)
		require.NoError(t, err)
		return m
	}

	csm := read()
	require.Equal(t, wire.CSM, csm.Code)
	require.NoError(t, framer.WriteMessage(&wire.Message{Code: wire.CSM}))

	req := &wire.Message{Code: wire.PUT, Token: []byte{7}, Payload: []byte("On")}
	req.SetPath(espressif.Path)
	require.NoError(t, framer.WriteMessage(req))

	resp := read()
	assert.Equal(t, wire.Created, resp.Code)
	assert.Equal(t, []byte{7}, resp.Token)
	act.AssertNumberOfCalls(t, "Pulse", 1)

	get := &wire.Message{Code: wire.GET, Token: []byte{8}}
	get.SetPath(espressif.Path)
	require.NoError(t, framer.WriteMessage(get))

	resp = read()
	assert.Equal(t, wire.Content, resp.Code)
	assert.Contains(t, string(resp.Payload), `"state":"On"`)
}

func TestSecurityModeSelectsEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		security *transport.SecurityConfig
		want     []transport.Kind
	}{
		{
			name: "None",
			want: []transport.Kind{transport.KindUDP, transport.KindTCP},
		},
		{
			name: "PSK",
			security: &transport.SecurityConfig{
				Mode: transport.SecurityPSK,
				PSK:  &transport.PSKConfig{Hint: "coap", Key: []byte("secretPSK")},
			},
			want: []transport.Kind{transport.KindUDP, transport.KindTCP, transport.KindDTLS},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r := startServer(t, Config{
				Addrs:     loopback(transport.Kinds...),
				Security:  tt.security,
				Resources: []Registrar{newResource(nil)},
				Logger:    slog.New(slog.NewTextHandler(&out, nil)),
			})

			var got []transport.Kind
			for _, ep := range r.ctx.Endpoints() {
				got = append(got, ep.Kind())
			}
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "TLS server mode not")
		})
	}
}

func TestAdvertisesEndpoints(t *testing.T) {
	adv := &stubAdvertiser{}
	adv.On("Advertise", transport.KindUDP, mock.AnythingOfType("int")).Return(nil)
	adv.On("Stop", transport.KindUDP).Return(nil)

	r := startServer(t, Config{
		Transports: []transport.Kind{transport.KindUDP},
		Addrs:      loopback(transport.KindUDP),
		Resources:  []Registrar{newResource(nil)},
		Advertiser: adv,
	})
	adv.AssertNumberOfCalls(t, "Advertise", 1)

	r.shutdown()
	adv.AssertCalled(t, "Stop", transport.KindUDP)
}

func TestRestartsWithoutEndpoints(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	m := metrics.New()
	srv, err := New(Config{
		Transports: []transport.Kind{transport.KindUDP},
		Addrs:      map[transport.Kind]string{transport.KindUDP: taken.LocalAddr().String()},
		Resources:  []Registrar{newResource(nil)},
		Metrics:    m,
		Backoff:    supervisor.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Restarts() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, srv.Do(ctx, func(*Context) {}), ErrNotRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ContextRestarts), 2.0)
}

func TestBadCredentialsArePermanent(t *testing.T) {
	srv, err := New(Config{
		Addrs:     loopback(transport.Kinds...),
		Security:  &transport.SecurityConfig{Mode: transport.SecurityPSK},
		Resources: []Registrar{newResource(nil)},
	})
	require.NoError(t, err)

	err = srv.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrInvalidSecurity)
	assert.True(t, supervisor.IsPermanent(err))
	assert.Equal(t, 0, srv.Restarts())
}

func TestLogCommonName(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	check := LogCommonName(logger)
	assert.True(t, check("device-01", 0))
	assert.True(t, check("Home CA", 1))
	assert.Contains(t, out.String(), "CN 'device-01' presented by client (Certificate)")
	assert.Contains(t, out.String(), "CN 'Home CA' presented by client (CA)")

	allow := AllowCommonNames(nil, "device-01")
	assert.True(t, allow("device-01", 0))
	assert.True(t, allow("Any CA", 1))
	assert.False(t, allow("intruder", 0))
}

func TestContextCloseIdempotent(t *testing.T) {
	c, err := NewContext(context.Background(), Config{
		Transports: []transport.Kind{transport.KindUDP},
		Addrs:      loopback(transport.KindUDP),
		Resources:  []Registrar{newResource(nil)},
	})
	require.NoError(t, err)
	c.Close()
	c.Close()
	assert.NoError(t, c.Run(context.Background()))
}
