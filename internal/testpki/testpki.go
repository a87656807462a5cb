// Package testpki issues throwaway certificates for tests.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/homecenter/coap-server/pkg/cert"
)

var serial atomic.Int64

// Identity is a certificate with its key.
type Identity struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// CertPEM returns the certificate in PEM form.
func (id *Identity) CertPEM() []byte {
	return cert.EncodeCertPEM(id.Cert)
}

// KeyPEM returns the private key in PEM form.
func (id *Identity) KeyPEM(t testing.TB) []byte {
	t.Helper()
	data, err := cert.EncodeKeyPEM(id.Key)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return data
}

// TLSCertificate returns the identity as a tls.Certificate, with chain
// appended after the leaf.
func (id *Identity) TLSCertificate(chain ...*Identity) tls.Certificate {
	tc := tls.Certificate{
		Certificate: [][]byte{id.Cert.Raw},
		PrivateKey:  id.Key,
		Leaf:        id.Cert,
	}
	for _, c := range chain {
		tc.Certificate = append(tc.Certificate, c.Cert.Raw)
	}
	return tc
}

// Options tweak an issued certificate.
type Options struct {
	NotBefore time.Time
	NotAfter  time.Time
	IsCA      bool
}

// NewCA creates a self-signed CA.
func NewCA(t testing.TB, cn string) *Identity {
	t.Helper()
	return issue(t, cn, nil, Options{IsCA: true})
}

// NewSelfSigned creates a self-signed end-entity certificate.
func NewSelfSigned(t testing.TB, cn string) *Identity {
	t.Helper()
	return issue(t, cn, nil, Options{})
}

// Issue creates a certificate signed by parent.
func Issue(t testing.TB, cn string, parent *Identity, opts Options) *Identity {
	t.Helper()
	return issue(t, cn, parent, opts)
}

// NewCRL creates a revocation list signed by ca listing revoked.
func NewCRL(t testing.TB, ca *Identity, nextUpdate time.Time, revoked ...*Identity) *x509.RevocationList {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(serial.Add(1)),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: nextUpdate,
	}
	for _, r := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   r.Cert.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.Cert, ca.Key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		t.Fatalf("parse CRL: %v", err)
	}
	return crl
}

func issue(t testing.TB, cn string, parent *Identity, opts Options) *Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(24 * time.Hour)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{cn},
	}
	if opts.IsCA {
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Identity{Cert: c, Key: key}
}
