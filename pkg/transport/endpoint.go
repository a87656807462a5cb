package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/homecenter/coap-server/pkg/log"
)

// Default endpoint ports.
const (
	DefaultPort       = 5683
	DefaultSecurePort = 5684

	// DefaultHandshakeTimeout bounds a (D)TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// maxDatagramSize is the UDP read buffer size.
	maxDatagramSize = 65535
)

var (
	// ErrBindFailed indicates an endpoint could not bind its address.
	ErrBindFailed = errors.New("bind failed")

	// ErrNoCredentials indicates a secured endpoint without usable credentials.
	ErrNoCredentials = errors.New("no credentials for secured endpoint")

	// ErrClosed is returned by Send on a closed peer.
	ErrClosed = errors.New("connection closed")
)

// Endpoint is one open listener.
type Endpoint interface {
	Kind() Kind
	Addr() net.Addr
	Close() error
}

// Config configures endpoints opened with Open.
type Config struct {
	// Credentials for DTLS and TLS endpoints.
	Credentials *Credentials

	// MaxMessageSize bounds stream frames and is advertised in the CSM.
	MaxMessageSize int

	// HandshakeTimeout bounds each (D)TLS handshake.
	HandshakeTimeout time.Duration

	// Multicast lists groups a UDP endpoint joins.
	Multicast []net.IP

	// Interface for multicast membership; nil lets the system choose.
	Interface *net.Interface

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger captures frames and signaling (optional).
	ProtocolLogger log.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// DefaultAddr returns the conventional listen address for kind on host.
func DefaultAddr(host string, kind Kind) string {
	port := DefaultPort
	if kind.Secure() {
		port = DefaultSecurePort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Open binds an endpoint of the given kind and starts its reader
// goroutines. Inputs go to sink until ctx is cancelled or the endpoint
// is closed.
func Open(ctx context.Context, kind Kind, addr string, cfg Config, sink Sink) (Endpoint, error) {
	cfg.applyDefaults()

	if kind.Secure() && !cfg.Credentials.Supports(kind) {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, kind)
	}

	var (
		ep  Endpoint
		err error
	)
	switch kind {
	case KindUDP:
		ep, err = openUDP(ctx, addr, cfg, sink)
	case KindTCP, KindTLS:
		ep, err = openStream(ctx, kind, addr, cfg, sink)
	case KindDTLS:
		ep, err = openDTLS(ctx, addr, cfg, sink)
	default:
		return nil, fmt.Errorf("unknown endpoint kind %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBindFailed, kind, addr, err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Debug("endpoint opened", "kind", kind.String(), "addr", ep.Addr().String())
	}
	return ep, nil
}

// stateEvent is the protocol log record for a connection state change.
func stateEvent(kind Kind, id string, remote net.Addr, oldState, newState, reason string) log.Event {
	return log.Event{
		Timestamp:  time.Now(),
		SessionID:  id,
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		Transport:  kind.String(),
		RemoteAddr: addrString(remote),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// isClosedErr reports whether err is the result of closing the socket.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
