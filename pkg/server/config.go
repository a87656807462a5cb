package server

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/homecenter/coap-server/pkg/discovery"
	"github.com/homecenter/coap-server/pkg/engine"
	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/metrics"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/scheduler"
	"github.com/homecenter/coap-server/pkg/supervisor"
	"github.com/homecenter/coap-server/pkg/transport"
)

var (
	// ErrNoEndpoints is returned when no endpoint could be opened. The
	// Server restarts the Context.
	ErrNoEndpoints = errors.New("no endpoint could be opened")

	// ErrNoResources is returned by New without a resource.
	ErrNoResources = errors.New("no resources configured")

	// ErrNotRunning is returned by Do while no Context is up.
	ErrNotRunning = errors.New("server not running")
)

// Registrar adds a resource to a fresh registry. It is called for every
// Context, so the resource's state must live in the Registrar.
type Registrar interface {
	Register(reg *resource.Registry) (*resource.Resource, error)
}

// Config configures the Server and every Context it builds.
type Config struct {
	// Host is the listen host; empty listens on all addresses.
	Host string

	// UDPPort is shared by the UDP and TCP endpoints (default 5683).
	UDPPort int
	// SecurePort is shared by the DTLS and TLS endpoints (default 5684).
	SecurePort int

	// Addrs overrides the listen address per kind (tests bind port 0).
	Addrs map[transport.Kind]string

	// Transports lists the kinds to open; nil opens every kind.
	Transports []transport.Kind

	// Security selects the credentials; nil means none.
	Security *transport.SecurityConfig

	// Multicast groups joined by the UDP endpoint on Interface.
	Multicast []net.IP
	Interface *net.Interface

	IdleTimeout          time.Duration
	HandshakeTimeout     time.Duration
	HousekeepingInterval time.Duration
	MaxMessageSize       int
	MaxBodySize          int
	MaxObservers         int
	BlockSZX             uint8

	// Resources are registered in order in every Context.
	Resources []Registrar

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Advertiser publishes every open endpoint over DNS-SD (optional).
	Advertiser discovery.Advertiser
	// Instance is the advertised instance name.
	Instance string

	// Backoff delays Context restarts.
	Backoff supervisor.BackoffConfig

	// Logger is the optional logger for operational output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger captures protocol events (optional).
	ProtocolLogger log.Logger

	// OnContext is called with every Context once it is serving.
	OnContext func(c *Context)
}

// DefaultInstance is the advertised instance name when none is set.
const DefaultInstance = "Espressif CoAP Server"

func (c *Config) applyDefaults() {
	if c.UDPPort == 0 {
		c.UDPPort = transport.DefaultPort
	}
	if c.SecurePort == 0 {
		c.SecurePort = transport.DefaultSecurePort
	}
	if len(c.Transports) == 0 {
		c.Transports = transport.Kinds
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = scheduler.DefaultInterval
	}
	if c.BlockSZX == 0 {
		c.BlockSZX = engine.DefaultBlockSZX
	}
	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
}

func (c *Config) addr(kind transport.Kind) string {
	if a, ok := c.Addrs[kind]; ok {
		return a
	}
	port := c.UDPPort
	if kind.Secure() {
		port = c.SecurePort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
