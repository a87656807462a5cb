package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3"

	"github.com/homecenter/coap-server/pkg/cert"
)

// ALPNProtocol is the RFC 8323 application protocol name for CoAP over TLS.
const ALPNProtocol = "coap"

// ErrInvalidSecurity indicates an unusable security configuration.
var ErrInvalidSecurity = errors.New("invalid security configuration")

// SecurityMode selects how secured endpoints authenticate.
type SecurityMode uint8

const (
	SecurityNone SecurityMode = iota
	SecurityPSK
	SecurityPKI
)

// String returns the mode name used in configuration.
func (m SecurityMode) String() string {
	switch m {
	case SecurityNone:
		return "none"
	case SecurityPSK:
		return "psk"
	case SecurityPKI:
		return "pki"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseSecurityMode parses "none", "psk" or "pki".
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SecurityNone, nil
	case "psk":
		return SecurityPSK, nil
	case "pki":
		return SecurityPKI, nil
	default:
		return SecurityNone, fmt.Errorf("%w: unknown mode %q", ErrInvalidSecurity, s)
	}
}

// PSKConfig configures pre-shared key authentication.
type PSKConfig struct {
	// Hint is the identity hint the server offers.
	Hint string

	// Key is accepted for any client identity not listed in Identities.
	Key []byte

	// Identities maps client identities to their own keys.
	Identities map[string][]byte
}

func (p *PSKConfig) lookup(identity []byte) ([]byte, error) {
	if key, ok := p.Identities[string(identity)]; ok {
		return key, nil
	}
	if len(p.Key) == 0 {
		return nil, fmt.Errorf("unknown PSK identity %q", identity)
	}
	return p.Key, nil
}

// PKIConfig configures certificate authentication from PEM buffers.
type PKIConfig struct {
	CAPEM   []byte
	CertPEM []byte
	KeyPEM  []byte

	// CRLPEM is the optional revocation list for Policy.CheckRevocation.
	CRLPEM []byte

	Policy cert.VerifyPolicy

	// OnCommonName sees each presented certificate; false rejects the peer.
	OnCommonName cert.CommonNameFunc
}

// SecurityConfig is the mutually exclusive choice of credentials.
type SecurityConfig struct {
	Mode SecurityMode
	PSK  *PSKConfig
	PKI  *PKIConfig
}

// Validate checks that exactly the credentials for Mode are present.
func (c *SecurityConfig) Validate() error {
	switch c.Mode {
	case SecurityNone:
		if c.PSK != nil || c.PKI != nil {
			return fmt.Errorf("%w: credentials given with mode none", ErrInvalidSecurity)
		}
	case SecurityPSK:
		if c.PKI != nil {
			return fmt.Errorf("%w: psk and pki are mutually exclusive", ErrInvalidSecurity)
		}
		if c.PSK == nil || (len(c.PSK.Key) == 0 && len(c.PSK.Identities) == 0) {
			return fmt.Errorf("%w: psk mode needs a key", ErrInvalidSecurity)
		}
	case SecurityPKI:
		if c.PSK != nil {
			return fmt.Errorf("%w: psk and pki are mutually exclusive", ErrInvalidSecurity)
		}
		if c.PKI == nil || len(c.PKI.CertPEM) == 0 || len(c.PKI.KeyPEM) == 0 {
			return fmt.Errorf("%w: pki mode needs a certificate and key", ErrInvalidSecurity)
		}
		if c.PKI.Policy.CheckCommonCA && len(c.PKI.CAPEM) == 0 {
			return fmt.Errorf("%w: common CA check needs a CA", ErrInvalidSecurity)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidSecurity, c.Mode)
	}
	return nil
}

// Credentials are the built handshake configurations. TLS is nil unless
// the mode is PKI; DTLS is nil when the mode is none.
type Credentials struct {
	Mode SecurityMode
	TLS  *tls.Config
	DTLS *dtls.Config
}

// Supports reports whether endpoints of kind k can be opened.
func (c *Credentials) Supports(k Kind) bool {
	switch k {
	case KindDTLS:
		return c != nil && c.DTLS != nil
	case KindTLS:
		return c != nil && c.TLS != nil
	default:
		return true
	}
}

// Build validates c and constructs the TLS and DTLS configurations.
func (c *SecurityConfig) Build() (*Credentials, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	creds := &Credentials{Mode: c.Mode}
	switch c.Mode {
	case SecurityPSK:
		psk := c.PSK
		creds.DTLS = &dtls.Config{
			PSK:             psk.lookup,
			PSKIdentityHint: []byte(psk.Hint),
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_PSK_WITH_AES_128_CCM_8,
				dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
				dtls.TLS_PSK_WITH_AES_128_CCM,
			},
			ExtendedMasterSecret: dtls.RequestExtendedMasterSecret,
		}

	case SecurityPKI:
		pki := c.PKI
		certs, err := cert.DecodeCertsPEM(pki.CertPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: server certificate: %v", ErrInvalidSecurity, err)
		}
		key, err := cert.DecodeKeyPEM(pki.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: server key: %v", ErrInvalidSecurity, err)
		}
		tlsCert := tls.Certificate{PrivateKey: key, Leaf: certs[0]}
		for _, c := range certs {
			tlsCert.Certificate = append(tlsCert.Certificate, c.Raw)
		}

		verifier := &cert.Verifier{Policy: pki.Policy, OnCommonName: pki.OnCommonName}
		if len(pki.CAPEM) > 0 {
			if verifier.Roots, err = cert.NewPool(pki.CAPEM); err != nil {
				return nil, fmt.Errorf("%w: CA: %v", ErrInvalidSecurity, err)
			}
		}
		if len(pki.CRLPEM) > 0 {
			if verifier.CRL, err = cert.DecodeCRLPEM(pki.CRLPEM); err != nil {
				return nil, fmt.Errorf("%w: CRL: %v", ErrInvalidSecurity, err)
			}
		}

		// The verifier owns every peer check, so the stacks only collect
		// the presented chain.
		tlsAuth, dtlsAuth := tls.RequestClientCert, dtls.RequestClientCert
		if pki.Policy.VerifyPeer {
			tlsAuth, dtlsAuth = tls.RequireAnyClientCert, dtls.RequireAnyClientCert
		}

		creds.TLS = &tls.Config{
			MinVersion:            tls.VersionTLS12,
			Certificates:          []tls.Certificate{tlsCert},
			ClientAuth:            tlsAuth,
			VerifyPeerCertificate: verifier.VerifyPeerCertificate,
			NextProtos:            []string{ALPNProtocol},
		}
		creds.DTLS = &dtls.Config{
			Certificates:          []tls.Certificate{tlsCert},
			ClientAuth:            dtlsAuth,
			VerifyPeerCertificate: verifier.VerifyPeerCertificate,
			ExtendedMasterSecret:  dtls.RequestExtendedMasterSecret,
		}
	}
	return creds, nil
}
