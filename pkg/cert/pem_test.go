package cert_test

import (
	"bytes"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecenter/coap-server/internal/testpki"
	"github.com/homecenter/coap-server/pkg/cert"
)

func TestDecodeCertsPEMBundle(t *testing.T) {
	a := testpki.NewCA(t, "a")
	b := testpki.NewCA(t, "b")
	bundle := append(a.CertPEM(), b.CertPEM()...)

	certs, err := cert.DecodeCertsPEM(bundle)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "a", certs[0].Subject.CommonName)
	assert.Equal(t, "b", certs[1].Subject.CommonName)

	first, err := cert.DecodeCertPEM(bundle)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Subject.CommonName)
}

func TestDecodeCertsPEMRejectsGarbage(t *testing.T) {
	_, err := cert.DecodeCertsPEM([]byte("not pem"))
	assert.ErrorIs(t, err, cert.ErrInvalidPEM)

	_, err = cert.NewPool(nil)
	assert.ErrorIs(t, err, cert.ErrInvalidPEM)
}

func TestKeyPEMRoundTrip(t *testing.T) {
	id := testpki.NewSelfSigned(t, "server")

	signer, err := cert.DecodeKeyPEM(id.KeyPEM(t))
	require.NoError(t, err)

	key, ok := signer.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, key.Equal(id.Key))

	_, err = cert.DecodeKeyPEM(id.CertPEM())
	assert.ErrorIs(t, err, cert.ErrInvalidPEM)
}

func TestCRLPEMRoundTrip(t *testing.T) {
	ca := testpki.NewCA(t, "root")
	leaf := testpki.Issue(t, "leaf", ca, testpki.Options{})
	crl := testpki.NewCRL(t, ca, time.Now().Add(time.Hour), leaf)

	back, err := cert.DecodeCRLPEM(cert.EncodeCRLPEM(crl.Raw))
	require.NoError(t, err)
	require.Len(t, back.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, back.RevokedCertificateEntries[0].SerialNumber.Cmp(leaf.Cert.SerialNumber))
	assert.True(t, bytes.Equal(crl.Raw, back.Raw))
}
