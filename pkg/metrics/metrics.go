package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homecenter/coap-server/pkg/wire"
)

const namespace = "coap"

// Metrics contains all Prometheus metrics of the server.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	ActiveSessions   prometheus.Gauge
	HandshakeFailure *prometheus.CounterVec

	// Observe and block-wise metrics
	Observers        prometheus.Gauge
	Notifications    prometheus.Counter
	PendingExchanges prometheus.Gauge

	// Context lifecycle
	ContextRestarts prometheus.Counter
	Endpoints       *prometheus.GaugeVec

	// Actuator
	ActuatorCommands *prometheus.CounterVec
}

// New creates and registers all metrics, plus the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by transport, method and response code",
		}, []string{"transport", "method", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to response send",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
		}, []string{"transport"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of sessions",
		}),
		HandshakeFailure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Failed DTLS and TLS handshakes",
		}, []string{"transport"}),

		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Current number of observe registrations",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Observe notifications sent",
		}),
		PendingExchanges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_exchanges",
			Help:      "Block-wise uploads and cached downloads in progress",
		}),

		ContextRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_restarts_total",
			Help:      "Server contexts torn down and rebuilt after a fatal error",
		}),
		Endpoints: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Open endpoints by transport",
		}, []string{"transport"}),

		ActuatorCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_commands_total",
			Help:      "Actuator commands by command and result",
		}, []string{"command", "result"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RequestHandled records one request.
func (m *Metrics) RequestHandled(transport string, method, code wire.Code, elapsed time.Duration) {
	m.Requests.WithLabelValues(transport, method.String(), code.String()).Inc()
	m.RequestDuration.WithLabelValues(transport).Observe(elapsed.Seconds())
}

// NotificationsSent counts delivered observe notifications.
func (m *Metrics) NotificationsSent(n int) {
	m.Notifications.Add(float64(n))
}

// ActuatorCommand records the outcome of an actuator command.
func (m *Metrics) ActuatorCommand(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ActuatorCommands.WithLabelValues(command, result).Inc()
}

// Handler serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve runs an HTTP server exposing /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (m *Metrics) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
