package propagator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkhas/vaultsync/internal/cryptox"
	"github.com/dmarkhas/vaultsync/internal/cryptox/cryptotest"
	"github.com/dmarkhas/vaultsync/internal/e2ee"
	"github.com/dmarkhas/vaultsync/internal/journal"
)

// buildLegacyDoc assembles a v1.2 document with no files. The metadata key
// is base64-encoded twice before the RSA wrap, and the checksum covers the
// spaceless mnemonic plus the base64 key.
func buildLegacyDoc(t *testing.T, id *cryptotest.Identity, mnemonic string, key []byte) []byte {
	t.Helper()

	once := base64.StdEncoding.EncodeToString(key)
	twice := base64.StdEncoding.EncodeToString([]byte(once))
	wrapped, err := cryptox.EncryptAsymmetric(&id.Key.PublicKey, []byte(twice))
	require.NoError(t, err)

	h := sha256.New()
	h.Write([]byte(strings.ReplaceAll(mnemonic, " ", "")))
	h.Write([]byte(once))

	doc, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"version":     1.2,
			"metadataKey": base64.StdEncoding.EncodeToString(wrapped),
			"checksum":    hex.EncodeToString(h.Sum(nil)),
		},
	})
	require.NoError(t, err)
	return doc
}

func migrationItem(fileID string) *SyncFileItem {
	return &SyncFileItem{
		File:             "Vault",
		OriginalFile:     "Vault",
		Instruction:      InstructionUpdateMetadata,
		IsDirectory:      true,
		FileID:           fileID,
		EncryptionStatus: e2ee.StatusEncrypted,
	}
}

func TestMigratedMetadataUpgradesLegacyDocument(t *testing.T) {
	fx := newFixture(t, Options{})
	key, err := cryptox.GenerateRandom(16)
	require.NoError(t, err)

	topID := fx.srv.AddFolder("Vault")
	fx.srv.SeedMetadata(topID, buildLegacyDoc(t, fx.id, fx.acc.Mnemonic, key))
	fx.seedRecord(t, journal.FileRecord{
		Path:             "Vault",
		FileID:           topID,
		IsDirectory:      true,
		EncryptionStatus: e2ee.StatusEncrypted,
	})

	item := migrationItem(topID)
	require.NoError(t, runJob(t, fx.p, NewUpdateMigratedMetadataJob(fx.p, item)))
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)
	assert.Equal(t, e2ee.StatusEncryptedMigratedV2_0, item.EncryptionStatus)

	events := fx.srv.Unlocks()
	require.Len(t, events, 1)
	assert.False(t, events[0].Abort)

	md, err := e2ee.NewFolderMetadata(fx.acc, fx.srv.Metadata(topID), e2ee.RootFolderInfo{Path: "/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, e2ee.Version2_0, md.ExistingVersion())
	assert.False(t, md.EncryptedMetadataNeedUpdate())
	assert.Equal(t, key, md.KeyForDecryption(), "migration must keep the folder key")
	users := md.FolderUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)

	rec := fx.record(t, "Vault")
	require.True(t, rec.IsValid())
	assert.Equal(t, e2ee.StatusEncryptedMigratedV2_0, rec.EncryptionStatus)
	assert.Contains(t, fx.jrn.CommitLabels(), "update migrated metadata")
}

func TestMigratedMetadataCleanDocumentFails(t *testing.T) {
	fx := newFixture(t, Options{})
	topID := fx.srv.AddFolder("Vault")
	seedTopLevelDoc(t, fx, topID)
	fx.seedRecord(t, journal.FileRecord{
		Path:             "Vault",
		FileID:           topID,
		IsDirectory:      true,
		EncryptionStatus: e2ee.StatusEncryptedMigratedV2_0,
	})

	item := migrationItem(topID)
	err := runJob(t, fx.p, NewUpdateMigratedMetadataJob(fx.p, item))
	require.EqualError(t, err, "Vault: Failed to update folder metadata.")
	assert.Equal(t, StatusFatalError, item.Status)
	assert.True(t, fx.p.AbortRequested())
	assert.Empty(t, fx.srv.Unlocks(), "a fetch without lock has nothing to release")
}

func TestMigratedMetadataFetchFailure(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.seedRecord(t, journal.FileRecord{
		Path:             "Vault",
		FileID:           "999",
		IsDirectory:      true,
		EncryptionStatus: e2ee.StatusEncrypted,
	})

	item := migrationItem("999")
	err := runJob(t, fx.p, NewUpdateMigratedMetadataJob(fx.p, item))
	require.EqualError(t, err, "Vault: Failed to update folder metadata.")
	assert.Equal(t, StatusFatalError, item.Status)
}

func TestMigratedMetadataNoRootRecord(t *testing.T) {
	fx := newFixture(t, Options{})

	item := migrationItem("101")
	err := runJob(t, fx.p, NewUpdateMigratedMetadataJob(fx.p, item))
	require.EqualError(t, err, "Vault: Failed to update folder metadata.")
	assert.Equal(t, StatusFatalError, item.Status)
	assert.True(t, fx.p.AbortRequested())
}
