package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecenter/coap-server/pkg/wire"
)

func TestRequestHandled(t *testing.T) {
	m := New()
	m.RequestHandled("udp", wire.GET, wire.Content, 2*time.Millisecond)
	m.RequestHandled("udp", wire.GET, wire.Content, 3*time.Millisecond)
	m.RequestHandled("tcp", wire.PUT, wire.Changed, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("udp", "GET", "2.05 Content")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("tcp", "PUT", "2.04 Changed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDuration))
}

func TestNotificationsSent(t *testing.T) {
	m := New()
	m.NotificationsSent(2)
	m.NotificationsSent(1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Notifications))
}

func TestActuatorCommand(t *testing.T) {
	m := New()
	m.ActuatorCommand("PULSE", nil)
	m.ActuatorCommand("PULSE", errors.New("breaker open"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActuatorCommands.WithLabelValues("PULSE", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActuatorCommands.WithLabelValues("PULSE", "error")))
}

func TestIndependentRegistries(t *testing.T) {
	// A second instance must not panic on duplicate registration.
	a, b := New(), New()
	a.ContextRestarts.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ContextRestarts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ContextRestarts))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ActiveSessions.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coap_active_sessions 3")
}

func TestServeListener(t *testing.T) {
	m := New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "coap_context_restarts_total"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener did not return")
	}
}
