package e2ee

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/cryptox"
	"github.com/dmarkhas/vaultsync/internal/cryptox/cryptotest"
)

func newTestAccount(t *testing.T, userID string) (*account.Account, *cryptotest.Identity) {
	t.Helper()
	id := cryptotest.NewIdentity(t, userID)

	acc := account.New("https://cloud.example.com", userID, "app-pass")
	require.NoError(t, acc.SetCertificatePEM(id.CertificatePEM))

	keyPEM, err := cryptox.EncodeRSAPrivateKeyPEM(id.Key)
	require.NoError(t, err)
	require.NoError(t, acc.SetPrivateKeyPEM(keyPEM))

	acc.Mnemonic = "quiet alpha tavern mirror nine eagle dawn velvet"
	return acc, id
}

func topLevelRoot() RootFolderInfo { return RootFolderInfo{Path: "/"} }

func testFile(name string) EncryptedFile {
	key, _ := cryptox.GenerateRandom(16)
	iv, _ := cryptox.GenerateRandom(16)
	tag, _ := cryptox.GenerateRandom(16)
	return EncryptedFile{
		EncryptedFilename: "enc-" + name,
		OriginalFilename:  name,
		Mimetype:          "text/plain",
		EncryptionKey:     key,
		IV:                iv,
		AuthenticationTag: tag,
	}
}

func testFolderEntry(name string) EncryptedFile {
	return EncryptedFile{
		EncryptedFilename: "enc-" + name,
		OriginalFilename:  name,
		Mimetype:          MimetypeDirectory,
	}
}

func TestEmptyTopLevelMetadataSeedsOwnUser(t *testing.T) {
	acc, id := newTestAccount(t, "alice")

	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	require.True(t, md.IsTopLevelFolder())
	users := md.FolderUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)

	key := md.KeyForEncryption()
	require.Len(t, key, metadataKeySize)
	assert.True(t, md.VerifyMetadataKey(key))

	unwrapped, err := cryptox.DecryptAsymmetric(id.Key, users[0].EncryptedMetadataKey)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)
}

func TestRoundTripPreservesFilesUsersChecksums(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	fileA := testFile("report.odt")
	fileB := testFile("photo.jpg")
	dir := testFolderEntry("archive")
	md.AddEncryptedFile(fileA)
	md.AddEncryptedFile(fileB)
	md.AddEncryptedFile(dir)

	doc, err := md.EncryptedMetadata()
	require.NoError(t, err)

	again, err := NewFolderMetadata(acc, doc, topLevelRoot(), nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, md.Files(), again.Files())
	assert.Equal(t, md.KeyChecksums(), again.KeyChecksums())
	assert.Equal(t, md.KeyForEncryption(), again.KeyForEncryption())

	origUsers := md.FolderUsers()
	newUsers := again.FolderUsers()
	require.Len(t, newUsers, len(origUsers))
	for i := range origUsers {
		assert.Equal(t, origUsers[i].UserID, newUsers[i].UserID)
	}
}

func TestRoundTripThroughOCSEnvelope(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	md.AddEncryptedFile(testFile("notes.txt"))

	doc, err := md.EncryptedMetadata()
	require.NoError(t, err)

	envelope, err := json.Marshal(map[string]any{
		"ocs": map[string]any{
			"meta": map[string]any{"status": "ok", "statuscode": 200},
			"data": map[string]string{"meta-data": string(doc)},
		},
	})
	require.NoError(t, err)

	again, err := NewFolderMetadata(acc, envelope, topLevelRoot(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, md.Files(), again.Files())
}

func TestSubFolderRoundTripRequiresRootKeys(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	top, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	root := RootFolderInfo{
		Path:             "Documents/Secret",
		KeyForEncryption: top.KeyForEncryption(),
		KeyForDecryption: top.KeyForDecryption(),
		Checksums:        top.KeyChecksums(),
	}
	sub, err := NewEmptyFolderMetadata(acc, root, nil)
	require.NoError(t, err)
	require.False(t, sub.IsTopLevelFolder())
	sub.AddEncryptedFile(testFile("inner.txt"))

	doc, err := sub.EncryptedMetadata()
	require.NoError(t, err)

	// The wire document of a sub folder carries neither users nor checksums.
	var outer map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc, &outer))
	assert.NotContains(t, outer, "users")

	again, err := NewFolderMetadata(acc, doc, root, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, sub.Files(), again.Files())
	assert.Empty(t, again.FolderUsers())

	// Without resolved root keys the document is unreadable.
	_, err = NewFolderMetadata(acc, doc, RootFolderInfo{Path: "Documents/Secret"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInvalidMetadata)
}

func TestAddUserRotatesMetadataKey(t *testing.T) {
	acc, aliceID := newTestAccount(t, "alice")
	bobID := cryptotest.NewIdentity(t, "bob")

	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	oldKey := md.KeyForEncryption()
	oldFingerprint := cryptox.Sha256Hex(oldKey)

	require.NoError(t, md.AddUser("bob", bobID.CertificatePEM))

	newKey := md.KeyForEncryption()
	require.NotEqual(t, oldKey, newKey)

	sums := md.KeyChecksums()
	assert.Contains(t, sums, cryptox.Sha256Hex(newKey))
	assert.NotContains(t, sums, oldFingerprint)
	assert.Contains(t, md.KeyChecksumsRemoved(), oldFingerprint)

	users := md.FolderUsers()
	require.Len(t, users, 2)
	for _, u := range users {
		var priv = aliceID.Key
		if u.UserID == "bob" {
			priv = bobID.Key
		}
		unwrapped, err := cryptox.DecryptAsymmetric(priv, u.EncryptedMetadataKey)
		require.NoError(t, err, "user %s", u.UserID)
		assert.Equal(t, newKey, unwrapped, "user %s", u.UserID)
	}
}

func TestRemoveUserRotatesMetadataKey(t *testing.T) {
	acc, aliceID := newTestAccount(t, "alice")
	bobID := cryptotest.NewIdentity(t, "bob")

	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	require.NoError(t, md.AddUser("bob", bobID.CertificatePEM))
	sharedKey := md.KeyForEncryption()

	require.NoError(t, md.RemoveUser("bob"))

	users := md.FolderUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)

	rotated := md.KeyForEncryption()
	require.NotEqual(t, sharedKey, rotated)

	unwrapped, err := cryptox.DecryptAsymmetric(aliceID.Key, users[0].EncryptedMetadataKey)
	require.NoError(t, err)
	assert.Equal(t, rotated, unwrapped)

	// The revoked key's fingerprint is tracked for sub folder re-encryption.
	assert.Contains(t, md.KeyChecksumsRemoved(), cryptox.Sha256Hex(sharedKey))
}

func TestRemoveUnknownUser(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	err = md.RemoveUser("mallory")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAddUserRejectsWeakCertificate(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	weak := cryptotest.NewWeakIdentity(t, "bob")

	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	err = md.AddUser("bob", weak.CertificatePEM)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestUserOpsRejectedOnSubFolderDocument(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	bobID := cryptotest.NewIdentity(t, "bob")

	top, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	sub, err := NewEmptyFolderMetadata(acc, RootFolderInfo{
		Path:             "enc",
		KeyForEncryption: top.KeyForEncryption(),
		KeyForDecryption: top.KeyForDecryption(),
		Checksums:        top.KeyChecksums(),
	}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, sub.AddUser("bob", bobID.CertificatePEM), common.ErrInvariantViolation)
	assert.ErrorIs(t, sub.RemoveUser("bob"), common.ErrInvariantViolation)
}

func TestSerializeTopLevelWithoutUsersViolatesInvariant(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	require.NoError(t, md.RemoveUser("alice"))

	_, err = md.EncryptedMetadata()
	assert.ErrorIs(t, err, common.ErrInvariantViolation)
}

func TestParseRejectsDocumentWithoutOwnUser(t *testing.T) {
	aliceAcc, _ := newTestAccount(t, "alice")
	bobAcc, _ := newTestAccount(t, "bob")

	md, err := NewEmptyFolderMetadata(aliceAcc, topLevelRoot(), nil)
	require.NoError(t, err)
	doc, err := md.EncryptedMetadata()
	require.NoError(t, err)

	_, err = NewFolderMetadata(bobAcc, doc, topLevelRoot(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInvalidMetadata)
	assert.Contains(t, err.Error(), "not among folder users")
}

func TestParseRejectsMissingOrUnsupportedVersion(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	_, err := NewFolderMetadata(acc, []byte(`{"metadata":{}}`), topLevelRoot(), nil)
	assert.ErrorIs(t, err, common.ErrInvalidMetadata)

	_, err = NewFolderMetadata(acc, []byte(`{"version":"0.5","metadata":{}}`), topLevelRoot(), nil)
	assert.ErrorIs(t, err, common.ErrInvalidMetadata)

	_, err = NewFolderMetadata(acc, []byte(`not json at all`), topLevelRoot(), nil)
	assert.ErrorIs(t, err, common.ErrInvalidMetadata)
}

func TestParseRejectsKeyOutsideChecksums(t *testing.T) {
	acc, id := newTestAccount(t, "alice")

	// Craft a document whose checksum set does not cover the wrapped key.
	key, err := cryptox.GenerateRandom(metadataKeySize)
	require.NoError(t, err)
	inner, err := json.Marshal(innerDocument{KeyChecksums: []string{"0000000000000000000000000000000000000000000000000000000000000000"}})
	require.NoError(t, err)
	compressed, err := cryptox.GzipCompress(inner)
	require.NoError(t, err)
	nonce, err := cryptox.GenerateRandom(cryptox.MetadataNonceSize)
	require.NoError(t, err)
	ciphertext, err := cryptox.EncryptAESGCM(key, compressed, nonce)
	require.NoError(t, err)
	wrapped, err := cryptox.EncryptAsymmetric(&id.Key.PublicKey, key)
	require.NoError(t, err)

	doc, err := json.Marshal(outerDocument{
		Version: json.RawMessage(`"2.0"`),
		Metadata: metadataSection{
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
		},
		Users: []userEntry{{
			UserID:               "alice",
			Certificate:          string(id.CertificatePEM),
			EncryptedMetadataKey: base64.StdEncoding.EncodeToString(wrapped),
		}},
	})
	require.NoError(t, err)

	_, err = NewFolderMetadata(acc, doc, topLevelRoot(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInvalidMetadata)
	assert.Contains(t, err.Error(), "checksum")
}

func TestVerifyMetadataKey(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	assert.True(t, md.VerifyMetadataKey(md.KeyForEncryption()))
	assert.False(t, md.VerifyMetadataKey(nil))
	assert.False(t, md.VerifyMetadataKey([]byte("short")))

	other, err := cryptox.GenerateRandom(metadataKeySize)
	require.NoError(t, err)
	assert.False(t, md.VerifyMetadataKey(other))
}

func TestAddEncryptedFileReplacesByOriginalName(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	first := testFile("draft.txt")
	md.AddEncryptedFile(first)

	second := testFile("draft.txt")
	second.EncryptedFilename = "enc-other"
	md.AddEncryptedFile(second)

	files := md.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "enc-other", files[0].EncryptedFilename)

	md.RemoveEncryptedFile("draft.txt")
	assert.Empty(t, md.Files())
}

func TestRemoveAllEncryptedFiles(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		md.AddEncryptedFile(testFile(fmt.Sprintf("f%d.txt", i)))
	}
	md.RemoveAllEncryptedFiles()
	assert.Empty(t, md.Files())
}

func attachTestFiledrop(t *testing.T, md *FolderMetadata, inner innerDocument) {
	t.Helper()
	plain, err := json.Marshal(inner)
	require.NoError(t, err)
	compressed, err := cryptox.GzipCompress(plain)
	require.NoError(t, err)
	nonce, err := cryptox.GenerateRandom(cryptox.MetadataNonceSize)
	require.NoError(t, err)
	ciphertext, err := cryptox.EncryptAESGCM(md.KeyForDecryption(), compressed, nonce)
	require.NoError(t, err)
	md.filedrop = &filedropSection{
		Ciphertext:        base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:             base64.StdEncoding.EncodeToString(nonce),
		AuthenticationTag: base64.StdEncoding.EncodeToString(cryptox.AuthenticationTag(ciphertext)),
	}
}

func TestMoveFromFileDropToFiles(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	md.AddEncryptedFile(testFile("existing.txt"))

	dropped := testFile("received.pdf")
	attachTestFiledrop(t, md, innerDocument{
		Files: map[string]innerFileEntry{
			dropped.EncryptedFilename: {
				Filename:          dropped.OriginalFilename,
				Mimetype:          dropped.Mimetype,
				Nonce:             base64.StdEncoding.EncodeToString(dropped.IV),
				AuthenticationTag: base64.StdEncoding.EncodeToString(dropped.AuthenticationTag),
				Key:               base64.StdEncoding.EncodeToString(dropped.EncryptionKey),
			},
		},
		Folders: map[string]string{"enc-incoming": "incoming"},
	})

	require.True(t, md.IsFileDropPresent())
	require.True(t, md.MoveFromFileDropToFiles())
	assert.False(t, md.IsFileDropPresent())

	files := md.Files()
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.OriginalFilename)
	}
	assert.ElementsMatch(t, []string{"existing.txt", "received.pdf", "incoming"}, names)

	// Folded entries survive serialization.
	doc, err := md.EncryptedMetadata()
	require.NoError(t, err)
	again, err := NewFolderMetadata(acc, doc, topLevelRoot(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, md.Files(), again.Files())
	assert.False(t, again.IsFileDropPresent())

	// Second move is a no-op.
	assert.False(t, md.MoveFromFileDropToFiles())
}

func TestMoveFromFileDropUndecryptable(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	md.filedrop = &filedropSection{
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("garbage garbage garbage")),
		Nonce:      base64.StdEncoding.EncodeToString(make([]byte, cryptox.MetadataNonceSize)),
	}
	assert.False(t, md.MoveFromFileDropToFiles())
}

func TestFiledropPreservedOpaquelyAcrossSerialization(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	attachTestFiledrop(t, md, innerDocument{
		Folders: map[string]string{"enc-drop": "drop"},
	})
	savedCiphertext := md.filedrop.Ciphertext

	doc, err := md.EncryptedMetadata()
	require.NoError(t, err)
	again, err := NewFolderMetadata(acc, doc, topLevelRoot(), nil)
	require.NoError(t, err)

	require.True(t, again.IsFileDropPresent())
	assert.Equal(t, savedCiphertext, again.filedrop.Ciphertext)
	assert.True(t, again.MoveFromFileDropToFiles())
}

func TestCounterIncrementsAcrossSerializations(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	doc1, err := md.EncryptedMetadata()
	require.NoError(t, err)
	parsed1, err := NewFolderMetadata(acc, doc1, topLevelRoot(), nil)
	require.NoError(t, err)

	doc2, err := parsed1.EncryptedMetadata()
	require.NoError(t, err)
	parsed2, err := NewFolderMetadata(acc, doc2, topLevelRoot(), nil)
	require.NoError(t, err)

	assert.Greater(t, parsed2.counter, parsed1.counter)
}

func TestEncryptionStatusFollowsSerializedVersion(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusEncryptedMigratedV2_0, md.EncryptedMetadataEncryptionStatus())
	_, err = md.EncryptedMetadata()
	require.NoError(t, err)
	assert.Equal(t, StatusEncryptedMigratedV2_0, md.EncryptedMetadataEncryptionStatus())
}
