package cryptox

import (
	"testing"

	"github.com/dmarkhas/vaultsync/internal/cryptox/cryptotest"
	"github.com/stretchr/testify/require"
)

func TestAsymmetric_RoundTrip(t *testing.T) {
	id := cryptotest.NewIdentity(t, "alice")

	key, err := GenerateRandom(16)
	require.NoError(t, err)

	ct, err := EncryptAsymmetric(&id.Key.PublicKey, key)
	require.NoError(t, err)
	require.NotEqual(t, key, ct)

	got, err := DecryptAsymmetric(id.Key, ct)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestDecryptAsymmetric_WrongKeyFails(t *testing.T) {
	alice := cryptotest.NewIdentity(t, "alice")
	bob := cryptotest.NewIdentity(t, "bob")

	ct, err := EncryptAsymmetric(&alice.Key.PublicKey, []byte("0123456789abcdef"))
	require.NoError(t, err)

	_, err = DecryptAsymmetric(bob.Key, ct)
	require.Error(t, err)
}

func TestPublicKeyFromCertificatePEM(t *testing.T) {
	id := cryptotest.NewIdentity(t, "alice")

	pub, err := PublicKeyFromCertificatePEM(id.CertificatePEM)
	require.NoError(t, err)
	require.Equal(t, id.Key.PublicKey.N, pub.N)
}

func TestPublicKeyFromCertificatePEM_RejectsWeakKey(t *testing.T) {
	id := cryptotest.NewWeakIdentity(t, "weak")

	_, err := PublicKeyFromCertificatePEM(id.CertificatePEM)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too small")
}

func TestPublicKeyFromCertificatePEM_Garbage(t *testing.T) {
	_, err := PublicKeyFromCertificatePEM([]byte("not a pem"))
	require.Error(t, err)
}

func TestParseRSAPrivateKeyPEM_RoundTrip(t *testing.T) {
	id := cryptotest.NewIdentity(t, "alice")

	pemBytes, err := EncodeRSAPrivateKeyPEM(id.Key)
	require.NoError(t, err)

	key, err := ParseRSAPrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	require.Equal(t, id.Key.D, key.D)
}
