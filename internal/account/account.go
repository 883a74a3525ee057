// Package account carries the server credentials and the end-to-end
// encryption identity (certificate, private key, mnemonic) used to wrap and
// unwrap folder metadata keys.
package account

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dmarkhas/vaultsync/internal/cryptox"
)

const keySaltSize = 16

type Account struct {
	ServerURL   string
	UserID      string
	AppPassword string

	Certificate    *x509.Certificate
	CertificatePEM []byte
	PrivateKey     *rsa.PrivateKey
	Mnemonic       string

	// SkipChecksumValidation disables the legacy metadata checksum check,
	// mirroring the server capability some deployments ship with.
	SkipChecksumValidation bool
}

func New(serverURL, userID, appPassword string) *Account {
	return &Account{
		ServerURL:   serverURL,
		UserID:      userID,
		AppPassword: appPassword,
	}
}

// SetCertificatePEM parses and installs the account certificate. The public
// key must be RSA of at least the enforced minimum size.
func (a *Account) SetCertificatePEM(pemBytes []byte) error {
	cert, err := cryptox.ParseCertificatePEM(pemBytes)
	if err != nil {
		return err
	}
	if _, err := cryptox.PublicKeyFromCertificatePEM(pemBytes); err != nil {
		return err
	}
	a.Certificate = cert
	a.CertificatePEM = append([]byte(nil), pemBytes...)
	return nil
}

// SetPrivateKeyPEM installs an unencrypted private key.
func (a *Account) SetPrivateKeyPEM(pemBytes []byte) error {
	key, err := cryptox.ParseRSAPrivateKeyPEM(pemBytes)
	if err != nil {
		return err
	}
	a.PrivateKey = key
	return nil
}

// SetEncryptedPrivateKey decrypts a mnemonic-protected key blob and installs
// the key. The blob format is produced by EncryptPrivateKeyPEM.
func (a *Account) SetEncryptedPrivateKey(blob, mnemonic string) error {
	pemBytes, err := DecryptPrivateKeyPEM(blob, mnemonic)
	if err != nil {
		return err
	}
	if err := a.SetPrivateKeyPEM(pemBytes); err != nil {
		return err
	}
	a.Mnemonic = mnemonic
	return nil
}

func (a *Account) PublicKey() *rsa.PublicKey {
	if a.Certificate == nil {
		return nil
	}
	pub, _ := a.Certificate.PublicKey.(*rsa.PublicKey)
	return pub
}

// Fingerprint is a short certificate digest safe for logs. Never key material.
func (a *Account) Fingerprint() string {
	if a.Certificate == nil {
		return ""
	}
	sum := sha256.Sum256(a.Certificate.Raw)
	return hex.EncodeToString(sum[:8])
}

// EncryptPrivateKeyPEM protects a private key PEM under a mnemonic-derived
// key. Output is base64(ct||tag)|base64(iv)|base64(salt).
func EncryptPrivateKeyPEM(pemBytes []byte, mnemonic string) (string, error) {
	salt, err := cryptox.GenerateRandom(keySaltSize)
	if err != nil {
		return "", err
	}
	key := cryptox.DeriveKeyFromMnemonic(mnemonic, salt)
	defer cryptox.WipeBytes(key)

	enc, err := cryptox.EncryptStringSymmetric(key, pemBytes)
	if err != nil {
		return "", err
	}
	return enc + "|" + base64.StdEncoding.EncodeToString(salt), nil
}

// DecryptPrivateKeyPEM reverses EncryptPrivateKeyPEM.
func DecryptPrivateKeyPEM(blob, mnemonic string) ([]byte, error) {
	idx := strings.LastIndex(blob, "|")
	if idx < 0 {
		return nil, fmt.Errorf("encrypted key: missing salt section")
	}
	salt, err := base64.StdEncoding.DecodeString(blob[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("encrypted key: salt: %w", err)
	}
	key := cryptox.DeriveKeyFromMnemonic(mnemonic, salt)
	defer cryptox.WipeBytes(key)

	pemBytes, err := cryptox.DecryptStringSymmetric(key, blob[:idx])
	if err != nil {
		return nil, fmt.Errorf("encrypted key: %w", err)
	}
	return pemBytes, nil
}
