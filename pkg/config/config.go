// Package config loads the YAML server configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homecenter/coap-server/pkg/cert"
	"github.com/homecenter/coap-server/pkg/transport"
	"github.com/homecenter/coap-server/pkg/wire"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Multicast MulticastConfig `yaml:"multicast"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Resource  ResourceConfig  `yaml:"resource"`
}

// ServerConfig holds endpoint and protocol limits.
type ServerConfig struct {
	Host       string `yaml:"host"`
	UDPPort    int    `yaml:"udp_port"`
	SecurePort int    `yaml:"secure_port"`

	// Transports limits which endpoint kinds are opened. Empty opens all
	// kinds the security mode supports.
	Transports []string `yaml:"transports"`

	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	MaxMessageSize       int           `yaml:"max_message_size"`
	BlockSize            int           `yaml:"block_size"`
	MaxBodySize          int           `yaml:"max_body_size"`
	MaxObservers         int           `yaml:"max_observers"`
}

// SecurityConfig selects none, psk or pki.
type SecurityConfig struct {
	Mode string    `yaml:"mode"`
	PSK  PSKConfig `yaml:"psk"`
	PKI  PKIConfig `yaml:"pki"`
}

// PSKConfig holds the pre-shared keys.
type PSKConfig struct {
	IdentityHint string            `yaml:"identity_hint"`
	Key          string            `yaml:"key"`
	Identities   map[string]string `yaml:"identities"`
}

// PKIConfig names PEM files and the peer verification policy.
type PKIConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CRLFile  string `yaml:"crl_file"`

	VerifyPeer      bool `yaml:"verify_peer"`
	CheckCommonCA   bool `yaml:"check_common_ca"`
	AllowSelfSigned bool `yaml:"allow_self_signed"`
	AllowExpired    bool `yaml:"allow_expired"`
	CheckChain      bool `yaml:"check_chain"`
	ChainDepth      int  `yaml:"chain_depth"`
	CheckRevocation bool `yaml:"check_revocation"`
	AllowNoCRL      bool `yaml:"allow_no_crl"`
	AllowExpiredCRL bool `yaml:"allow_expired_crl"`
}

// MulticastConfig lists groups the UDP endpoint joins.
type MulticastConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Groups    []string `yaml:"groups"`
	Interface string   `yaml:"interface"`
}

// DiscoveryConfig controls DNS-SD advertising.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Domain   string `yaml:"domain"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig controls operational and protocol logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// ProtocolLog is a capture file path; empty disables capture.
	ProtocolLog string `yaml:"protocol_log"`
}

// ResourceConfig configures the example resource.
type ResourceConfig struct {
	// StateFile persists the stored state across restarts; empty keeps it
	// in memory only.
	StateFile     string        `yaml:"state_file"`
	PulseDuration time.Duration `yaml:"pulse_duration"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	policy := cert.DefaultVerifyPolicy()
	return &Config{
		Server: ServerConfig{
			UDPPort:              transport.DefaultPort,
			SecurePort:           transport.DefaultSecurePort,
			IdleTimeout:          300 * time.Second,
			HandshakeTimeout:     transport.DefaultHandshakeTimeout,
			HousekeepingInterval: 2 * time.Second,
			MaxMessageSize:       transport.DefaultMaxMessageSize,
			BlockSize:            64,
			MaxBodySize:          8192,
			MaxObservers:         50,
		},
		Security: SecurityConfig{
			Mode: "none",
			PKI: PKIConfig{
				VerifyPeer:      policy.VerifyPeer,
				CheckCommonCA:   policy.CheckCommonCA,
				AllowSelfSigned: policy.AllowSelfSigned,
				AllowExpired:    policy.AllowExpired,
				CheckChain:      policy.CheckChain,
				ChainDepth:      policy.ChainDepth,
				CheckRevocation: policy.CheckRevocation,
				AllowNoCRL:      policy.AllowNoCRL,
				AllowExpiredCRL: policy.AllowExpiredCRL,
			},
		},
		Multicast: MulticastConfig{
			Groups: []string{"224.0.1.187", "ff02::fd"},
		},
		Discovery: DiscoveryConfig{
			Instance: "Espressif CoAP Server",
			Domain:   "local.",
		},
		Metrics: MetricsConfig{
			Address: ":9100",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Resource: ResourceConfig{
			PulseDuration: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}
	if err := c.Multicast.Validate(); err != nil {
		return fmt.Errorf("multicast config: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics config: %w: address cannot be empty when enabled", ErrInvalid)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging config: %w: unknown format %q", ErrInvalid, c.Logging.Format)
	}
	if c.Resource.PulseDuration < 0 {
		return fmt.Errorf("resource config: %w: negative pulse_duration", ErrInvalid)
	}
	return nil
}

// Validate checks ports, sizes and transport names.
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("%w: udp_port must be between 1 and 65535, got %d", ErrInvalid, s.UDPPort)
	}
	if s.SecurePort < 1 || s.SecurePort > 65535 {
		return fmt.Errorf("%w: secure_port must be between 1 and 65535, got %d", ErrInvalid, s.SecurePort)
	}
	// SZX 0 means "default" further down, so 16-byte blocks are not offered.
	if _, err := wire.BlockSizeToSZX(s.BlockSize); err != nil || s.BlockSize < 32 || s.BlockSize > 1024 {
		return fmt.Errorf("%w: block_size must be a power of two between 32 and 1024, got %d", ErrInvalid, s.BlockSize)
	}
	if s.MaxBodySize < s.BlockSize {
		return fmt.Errorf("%w: max_body_size %d is smaller than block_size", ErrInvalid, s.MaxBodySize)
	}
	if s.MaxMessageSize < 1152 {
		return fmt.Errorf("%w: max_message_size must be at least 1152, got %d", ErrInvalid, s.MaxMessageSize)
	}
	if s.MaxObservers < 1 {
		return fmt.Errorf("%w: max_observers must be at least 1", ErrInvalid)
	}
	if _, err := s.Kinds(); err != nil {
		return err
	}
	return nil
}

// Kinds parses Transports. An empty list yields every kind.
func (s *ServerConfig) Kinds() ([]transport.Kind, error) {
	if len(s.Transports) == 0 {
		return transport.Kinds, nil
	}
	var kinds []transport.Kind
	for _, name := range s.Transports {
		k, ok := parseKind(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalid, name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Addr returns the listen address for kind.
func (s *ServerConfig) Addr(kind transport.Kind) string {
	port := s.UDPPort
	if kind.Secure() {
		port = s.SecurePort
	}
	return net.JoinHostPort(s.Host, fmt.Sprint(port))
}

// BlockSZX returns the block size exponent. Call after Validate.
func (s *ServerConfig) BlockSZX() uint8 {
	szx, _ := wire.BlockSizeToSZX(s.BlockSize)
	return szx
}

func parseKind(name string) (transport.Kind, bool) {
	for _, k := range transport.Kinds {
		if strings.EqualFold(strings.TrimSpace(name), k.String()) {
			return k, true
		}
	}
	return 0, false
}

// Validate enforces mode-specific fields. PSK and PKI settings are
// mutually exclusive.
func (s *SecurityConfig) Validate() error {
	mode, err := transport.ParseSecurityMode(s.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	hasPSK := s.PSK.Key != "" || len(s.PSK.Identities) > 0
	hasPKI := s.PKI.CertFile != "" || s.PKI.KeyFile != ""

	switch mode {
	case transport.SecurityNone:
		if hasPSK || hasPKI {
			return fmt.Errorf("%w: credentials given with mode none", ErrInvalid)
		}
	case transport.SecurityPSK:
		if hasPKI {
			return fmt.Errorf("%w: psk and pki are mutually exclusive", ErrInvalid)
		}
		if !hasPSK {
			return fmt.Errorf("%w: psk mode needs a key", ErrInvalid)
		}
	case transport.SecurityPKI:
		if hasPSK {
			return fmt.Errorf("%w: psk and pki are mutually exclusive", ErrInvalid)
		}
		if s.PKI.CertFile == "" || s.PKI.KeyFile == "" {
			return fmt.Errorf("%w: pki mode needs cert_file and key_file", ErrInvalid)
		}
		if s.PKI.CheckCommonCA && s.PKI.CAFile == "" {
			return fmt.Errorf("%w: check_common_ca needs ca_file", ErrInvalid)
		}
		if s.PKI.CheckChain && s.PKI.ChainDepth < 0 {
			return fmt.Errorf("%w: negative chain_depth", ErrInvalid)
		}
	}
	return nil
}

// Policy returns the verification policy from the pki section.
func (p *PKIConfig) Policy() cert.VerifyPolicy {
	return cert.VerifyPolicy{
		VerifyPeer:      p.VerifyPeer,
		CheckCommonCA:   p.CheckCommonCA,
		AllowSelfSigned: p.AllowSelfSigned,
		AllowExpired:    p.AllowExpired,
		CheckChain:      p.CheckChain,
		ChainDepth:      p.ChainDepth,
		CheckRevocation: p.CheckRevocation,
		AllowNoCRL:      p.AllowNoCRL,
		AllowExpiredCRL: p.AllowExpiredCRL,
	}
}

// Transport reads the PEM files named in the pki section and returns the
// transport security configuration. onCN may be nil.
func (s *SecurityConfig) Transport(onCN cert.CommonNameFunc) (*transport.SecurityConfig, error) {
	mode, err := transport.ParseSecurityMode(s.Mode)
	if err != nil {
		return nil, err
	}
	sec := &transport.SecurityConfig{Mode: mode}

	switch mode {
	case transport.SecurityPSK:
		psk := &transport.PSKConfig{
			Hint: s.PSK.IdentityHint,
			Key:  []byte(s.PSK.Key),
		}
		if len(s.PSK.Identities) > 0 {
			psk.Identities = make(map[string][]byte, len(s.PSK.Identities))
			for id, key := range s.PSK.Identities {
				psk.Identities[id] = []byte(key)
			}
		}
		sec.PSK = psk

	case transport.SecurityPKI:
		pki := &transport.PKIConfig{
			Policy:       s.PKI.Policy(),
			OnCommonName: onCN,
		}
		files := []struct {
			path string
			dst  *[]byte
		}{
			{s.PKI.CAFile, &pki.CAPEM},
			{s.PKI.CertFile, &pki.CertPEM},
			{s.PKI.KeyFile, &pki.KeyPEM},
			{s.PKI.CRLFile, &pki.CRLPEM},
		}
		for _, f := range files {
			if f.path == "" {
				continue
			}
			data, err := os.ReadFile(f.path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
			}
			*f.dst = data
		}
		sec.PKI = pki
	}

	if err := sec.Validate(); err != nil {
		return nil, err
	}
	return sec, nil
}

// Validate checks group addresses and the interface name.
func (m *MulticastConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if _, err := m.GroupIPs(); err != nil {
		return err
	}
	return nil
}

// GroupIPs parses Groups. Only multicast addresses are accepted.
func (m *MulticastConfig) GroupIPs() ([]net.IP, error) {
	ips := make([]net.IP, 0, len(m.Groups))
	for _, g := range m.Groups {
		ip := net.ParseIP(strings.TrimSpace(g))
		if ip == nil || !ip.IsMulticast() {
			return nil, fmt.Errorf("%w: %q is not a multicast address", ErrInvalid, g)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// NetInterface resolves Interface; empty returns nil.
func (m *MulticastConfig) NetInterface() (*net.Interface, error) {
	if m.Interface == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(m.Interface)
	if err != nil {
		return nil, fmt.Errorf("multicast interface %s: %w", m.Interface, err)
	}
	return ifi, nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

// NewLogger builds the operational logger writing to stderr.
func (l *LoggingConfig) NewLogger() *slog.Logger {
	level, _ := ParseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
