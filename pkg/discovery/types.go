package discovery

import (
	"errors"
	"time"

	"github.com/homecenter/coap-server/pkg/transport"
)

// Service types per RFC 7252 section 12.8 and RFC 8323 section 8.
const (
	ServiceTypeUDP  = "_coap._udp"
	ServiceTypeTCP  = "_coap._tcp"
	ServiceTypeDTLS = "_coaps._udp"
	ServiceTypeTLS  = "_coaps._tcp"
)

const (
	// Domain is the mDNS domain.
	Domain = "local."

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// DefaultTTL is the record TTL when none is configured.
	DefaultTTL = 120 * time.Second
)

// TXT record keys.
const (
	TXTKeyPath           = "path"
	TXTKeyResourceType   = "rt"
	TXTKeyContentFormats = "ct"
	TXTKeyObservable     = "obs"
	TXTKeySecurity       = "sec"
)

// Errors.
var (
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
)

// ServiceType returns the DNS-SD service type for an endpoint kind.
func ServiceType(kind transport.Kind) string {
	switch kind {
	case transport.KindTCP:
		return ServiceTypeTCP
	case transport.KindDTLS:
		return ServiceTypeDTLS
	case transport.KindTLS:
		return ServiceTypeTLS
	default:
		return ServiceTypeUDP
	}
}

// ServiceInfo describes one advertised endpoint.
type ServiceInfo struct {
	// Instance is the user-visible instance name.
	Instance string

	// Kind selects the service type.
	Kind transport.Kind

	// Port is the endpoint's listening port.
	Port int

	// Path is the served resource path without leading slash.
	Path string

	// ResourceType is the CoRE rt attribute (optional).
	ResourceType string

	// ContentFormats lists the formats a GET can return.
	ContentFormats []uint16

	Observable bool

	// Security is the endpoint's security mode name.
	Security string
}
