// Package cryptox implements the cryptographic primitives of the E2EE folder
// metadata format: AES-GCM for metadata and file-key payloads, RSA-OAEP for
// per-user key wrapping, SHA-256 fingerprints for key checksums, gzip framing
// for metadata plaintext, and the PBKDF2 mnemonic derivation protecting the
// private key at rest.
package cryptox

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/dmarkhas/vaultsync/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// GCMTagSize is the length of the GCM authentication tag appended to
	// every ciphertext produced here.
	GCMTagSize = 16

	// MetadataNonceSize is the IV length used by the metadata format. The
	// format predates the 12-byte GCM default and fixes 16 bytes.
	MetadataNonceSize = 16

	mnemonicKeyLength = 32
	mnemonicKDFRounds = 600_000
)

// GenerateRandom returns n cryptographically random bytes.
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rand: %w: %w", common.ErrCrypto, err)
	}
	return b, nil
}

// WipeBytes zeroes b in place. Used on replaced key material.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptAESGCM encrypts plaintext with key and nonce and returns
// ciphertext||tag. The nonce may be 12 or 16 bytes; the metadata format uses
// 16.
func EncryptAESGCM(key, plaintext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key, len(nonce))
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptAESGCM opens ciphertext||tag produced by EncryptAESGCM. An
// authentication failure is returned as a plain error, not a crypto-library
// failure; callers treat it as corrupt input.
func DecryptAESGCM(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key, len(nonce))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plaintext, nil
}

// AuthenticationTag returns the trailing GCM tag of a ciphertext||tag blob.
func AuthenticationTag(ciphertext []byte) []byte {
	if len(ciphertext) < GCMTagSize {
		return nil
	}
	return ciphertext[len(ciphertext)-GCMTagSize:]
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w: %w", common.ErrCrypto, err)
	}
	if nonceSize <= 0 {
		nonceSize = MetadataNonceSize
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w: %w", common.ErrCrypto, err)
	}
	return aead, nil
}

// EncryptStringSymmetric produces the legacy (version 1.x) string cipher
// format: base64(ciphertext||tag) + "|" + base64(iv). Kept for reading and
// migrating old documents.
func EncryptStringSymmetric(key, plaintext []byte) (string, error) {
	iv, err := GenerateRandom(MetadataNonceSize)
	if err != nil {
		return "", err
	}
	ct, err := EncryptAESGCM(key, plaintext, iv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct) + "|" + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptStringSymmetric reverses EncryptStringSymmetric.
func DecryptStringSymmetric(key []byte, blob string) ([]byte, error) {
	parts := strings.Split(blob, "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("legacy cipher blob: expected 2 parts, got %d", len(parts))
	}
	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("legacy cipher blob: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("legacy cipher blob: %w", err)
	}
	return DecryptAESGCM(key, ct, iv)
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data. Key checksum
// entries in folder metadata are exactly this fingerprint of the metadata
// key.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GzipCompress wraps data in a gzip frame. Metadata plaintext is always
// compressed before encryption.
func GzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// GzipDecompress inflates a gzip frame produced by GzipCompress.
func GzipDecompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}

// DeriveKeyFromMnemonic stretches the account mnemonic into the 32-byte key
// that protects the private key at rest. The salt is stored next to the
// encrypted key blob.
func DeriveKeyFromMnemonic(mnemonic string, salt []byte) []byte {
	normalized := strings.ToLower(strings.Join(strings.Fields(mnemonic), ""))
	return pbkdf2.Key([]byte(normalized), salt, mnemonicKDFRounds, mnemonicKeyLength, sha256.New)
}
