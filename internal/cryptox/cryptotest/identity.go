// Package cryptotest mints throwaway RSA identities (key pair plus
// self-signed certificate) for tests that exercise user key wrapping.
package cryptotest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// Identity is a test user with a usable RSA key pair and certificate.
type Identity struct {
	UserID         string
	Key            *rsa.PrivateKey
	CertificatePEM []byte
}

// NewIdentity creates a 2048-bit identity for userID.
func NewIdentity(t *testing.T, userID string) *Identity {
	t.Helper()
	return newIdentity(t, userID, 2048)
}

// NewWeakIdentity creates an identity below the accepted key size, for
// rejection tests.
func NewWeakIdentity(t *testing.T, userID string) *Identity {
	t.Helper()
	return newIdentity(t, userID, 1024)
}

func newIdentity(t *testing.T, userID string, bits int) *Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: userID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageDataEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	return &Identity{
		UserID:         userID,
		Key:            key,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}
