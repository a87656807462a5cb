package cert

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Verification errors.
var (
	ErrNoPeerCertificate = errors.New("no peer certificate")
	ErrCertExpired       = errors.New("certificate has expired")
	ErrCertNotYetValid   = errors.New("certificate is not yet valid")
	ErrInvalidChain      = errors.New("invalid certificate chain")
	ErrChainTooDeep      = errors.New("certificate chain too deep")
	ErrSelfSigned        = errors.New("self-signed certificate not allowed")
	ErrRevoked           = errors.New("certificate revoked")
	ErrNoCRL             = errors.New("no certificate revocation list")
	ErrCRLExpired        = errors.New("certificate revocation list expired")
	ErrRejected          = errors.New("certificate rejected by common name check")
)

// DepthLabel names a position in a presented chain: 0 is the peer's own
// certificate, anything above is a CA.
func DepthLabel(depth int) string {
	if depth == 0 {
		return "Certificate"
	}
	return "CA"
}

// CommonNameFunc inspects the common name of each presented certificate.
// Returning false rejects the peer.
type CommonNameFunc func(cn string, depth int) bool

// VerifyPolicy selects which peer certificate checks are enforced.
type VerifyPolicy struct {
	// VerifyPeer requires and verifies a peer certificate. With it off only
	// the common name callback runs, and only if a certificate was offered.
	VerifyPeer bool

	// CheckCommonCA requires the chain to terminate at a configured CA.
	CheckCommonCA bool

	// AllowSelfSigned accepts a lone self-signed peer certificate.
	AllowSelfSigned bool

	// AllowExpired accepts certificates past NotAfter.
	AllowExpired bool

	// CheckChain enforces ChainDepth.
	CheckChain bool

	// ChainDepth is the maximum number of CA certificates above the peer's
	// own certificate.
	ChainDepth int

	// CheckRevocation consults the configured CRL.
	CheckRevocation bool

	// AllowNoCRL passes revocation checking when no CRL is configured.
	AllowNoCRL bool

	// AllowExpiredCRL uses a CRL past its NextUpdate.
	AllowExpiredCRL bool
}

// DefaultVerifyPolicy is the lenient policy used by the reference ESP32 setup.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{
		VerifyPeer:      true,
		CheckCommonCA:   true,
		AllowSelfSigned: true,
		AllowExpired:    true,
		CheckChain:      true,
		ChainDepth:      2,
		CheckRevocation: true,
		AllowNoCRL:      true,
		AllowExpiredCRL: true,
	}
}

// Verifier applies a VerifyPolicy to presented certificate chains.
type Verifier struct {
	Policy VerifyPolicy

	// Roots are the trusted CAs for CheckCommonCA.
	Roots *x509.CertPool

	// CRL is consulted when Policy.CheckRevocation is set.
	CRL *x509.RevocationList

	// OnCommonName, if set, sees every presented certificate.
	OnCommonName CommonNameFunc

	// Now overrides the clock (tests).
	Now func() time.Time
}

// VerifyPeerCertificate has the signature of the crypto/tls and pion/dtls
// hooks. Chains verified by the TLS stack are ignored.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("%w: parse: %v", ErrInvalidChain, err)
		}
		certs = append(certs, c)
	}
	return v.Verify(certs)
}

// Verify checks a presented chain, peer certificate first.
func (v *Verifier) Verify(certs []*x509.Certificate) error {
	if len(certs) == 0 {
		if v.Policy.VerifyPeer {
			return ErrNoPeerCertificate
		}
		return nil
	}

	if v.OnCommonName != nil {
		for depth, c := range certs {
			if !v.OnCommonName(c.Subject.CommonName, depth) {
				return fmt.Errorf("%w: %q (%s)", ErrRejected, c.Subject.CommonName, DepthLabel(depth))
			}
		}
	}
	if !v.Policy.VerifyPeer {
		return nil
	}

	now := v.now()
	leaf := certs[0]
	if now.Before(leaf.NotBefore) {
		return ErrCertNotYetValid
	}
	at := now
	if now.After(leaf.NotAfter) {
		if !v.Policy.AllowExpired {
			return ErrCertExpired
		}
		at = leaf.NotAfter
	}

	if len(certs) == 1 && isSelfSigned(leaf) && v.Policy.AllowSelfSigned {
		return nil
	}

	chain := certs
	if v.Policy.CheckCommonCA {
		if v.Roots == nil {
			return fmt.Errorf("%w: no CA configured", ErrInvalidChain)
		}
		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		chains, err := leaf.Verify(x509.VerifyOptions{
			Roots:         v.Roots,
			Intermediates: intermediates,
			CurrentTime:   at,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			if isSelfSigned(leaf) && len(certs) == 1 {
				return fmt.Errorf("%w: %v", ErrSelfSigned, err)
			}
			return fmt.Errorf("%w: %v", ErrInvalidChain, err)
		}
		chain = chains[0]
	} else if len(certs) == 1 && isSelfSigned(leaf) {
		return ErrSelfSigned
	}

	if v.Policy.CheckChain && v.Policy.ChainDepth > 0 && len(chain)-1 > v.Policy.ChainDepth {
		return fmt.Errorf("%w: %d CA certificates, limit %d", ErrChainTooDeep, len(chain)-1, v.Policy.ChainDepth)
	}

	if v.Policy.CheckRevocation {
		return v.checkRevocation(chain, now)
	}
	return nil
}

func (v *Verifier) checkRevocation(chain []*x509.Certificate, now time.Time) error {
	if v.CRL == nil {
		if v.Policy.AllowNoCRL {
			return nil
		}
		return ErrNoCRL
	}
	if !v.CRL.NextUpdate.IsZero() && now.After(v.CRL.NextUpdate) && !v.Policy.AllowExpiredCRL {
		return ErrCRLExpired
	}
	for _, c := range chain {
		for _, entry := range v.CRL.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return fmt.Errorf("%w: serial %s (%s)", ErrRevoked, c.SerialNumber, c.Subject.CommonName)
			}
		}
	}
	return nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}
	return c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}
