package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/homecenter/coap-server/pkg/transport"
)

// Advertiser provides mDNS service advertising capabilities.
type Advertiser interface {
	// Advertise starts advertising an endpoint. An existing advertisement
	// for the same kind is replaced.
	Advertise(ctx context.Context, info *ServiceInfo) error

	// Stop withdraws the advertisement for kind.
	Stop(kind transport.Kind) error

	// StopAll withdraws every advertisement.
	StopAll()
}

// Registration is one registered service instance.
type Registration interface {
	Shutdown()
}

// RegisterFunc registers a service instance. The default registers with
// zeroconf; tests inject a fake.
type RegisterFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl time.Duration) (Registration, error)

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	// Register overrides zeroconf registration.
	Register RegisterFunc

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		Interface: "",
		TTL:       DefaultTTL,
	}
}

// MDNSAdvertiser implements Advertiser with one zeroconf server per
// endpoint kind.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu      sync.Mutex
	servers map[transport.Kind]Registration
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) (*MDNSAdvertiser, error) {
	if config.Register == nil {
		config.Register = zeroconfRegister
	}
	if config.Interface != "" {
		if _, err := net.InterfaceByName(config.Interface); err != nil {
			return nil, fmt.Errorf("advertiser interface %s: %w", config.Interface, err)
		}
	}
	return &MDNSAdvertiser{
		config:  config,
		servers: make(map[transport.Kind]Registration),
	}, nil
}

// getInterfaces returns the network interfaces to use for advertising.
// Returns nil to use all interfaces.
func (a *MDNSAdvertiser) getInterfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}

	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts advertising an endpoint.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info *ServiceInfo) error {
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("invalid port %d for %s", info.Port, info.Kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if server, exists := a.servers[info.Kind]; exists {
		server.Shutdown()
		delete(a.servers, info.Kind)
	}

	service := ServiceType(info.Kind)
	txt := TXTRecordsToStrings(EncodeServiceTXT(info))

	server, err := a.config.Register(info.Instance, service, Domain, info.Port, txt, a.getInterfaces(), a.config.TTL)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", service, err)
	}
	a.servers[info.Kind] = server

	a.debugLog("service advertised",
		"instance", info.Instance,
		"service", service,
		"port", info.Port)
	return nil
}

// Stop withdraws the advertisement for kind.
func (a *MDNSAdvertiser) Stop(kind transport.Kind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, exists := a.servers[kind]
	if !exists {
		return ErrNotFound
	}

	server.Shutdown()
	delete(a.servers, kind)
	return nil
}

// StopAll stops all advertisements.
func (a *MDNSAdvertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for kind, server := range a.servers {
		server.Shutdown()
		delete(a.servers, kind)
	}
}

func (a *MDNSAdvertiser) debugLog(msg string, args ...any) {
	if a.config.Logger != nil {
		a.config.Logger.Debug(msg, args...)
	}
}

type zeroconfServer struct {
	srv *zeroconf.Server
}

func (z zeroconfServer) Shutdown() { z.srv.Shutdown() }

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl time.Duration) (Registration, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(ttl.Seconds())))
	}
	srv, err := zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return zeroconfServer{srv: srv}, nil
}

var _ Advertiser = (*MDNSAdvertiser)(nil)
