package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/dmarkhas/vaultsync/internal/common"
)

// MinRSABits is the smallest public key size accepted when adding a user to
// an encrypted folder.
const MinRSABits = 2048

// EncryptAsymmetric wraps data (typically a raw metadata key) with
// RSA-OAEP-SHA256 for the given public key.
func EncryptAsymmetric(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w: %w", common.ErrCrypto, err)
	}
	return ct, nil
}

// DecryptAsymmetric unwraps an RSA-OAEP-SHA256 ciphertext with the private
// key.
func DecryptAsymmetric(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return pt, nil
}

// ParseCertificatePEM decodes a single PEM-encoded x509 certificate.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate pem: no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certificate pem: %w", err)
	}
	return cert, nil
}

// PublicKeyFromCertificatePEM extracts and validates the RSA public key of a
// user certificate. Keys below MinRSABits are rejected; a folder shared to a
// weak key would undermine every member's metadata.
func PublicKeyFromCertificatePEM(pemBytes []byte) (*rsa.PublicKey, error) {
	cert, err := ParseCertificatePEM(pemBytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate pem: not an RSA key")
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("certificate pem: RSA key too small (%d bits)", pub.N.BitLen())
	}
	return pub, nil
}

// ParseRSAPrivateKeyPEM decodes a PEM private key in PKCS#8 or PKCS#1 form.
func ParseRSAPrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("private key pem: no PEM block")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key pem: not an RSA key")
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key pem: %w", err)
	}
	return rsaKey, nil
}

// EncodeRSAPrivateKeyPEM renders a private key as PKCS#8 PEM.
func EncodeRSAPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("private key pem: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
