package e2ee

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/cryptox"
)

// legacyFileEntry is one pre-2.0 manifest entry. The encrypted blob holds
// the original filename, the per-file key and the mimetype; the IV and tag
// at this level belong to the file content, not to the blob.
type legacyFileEntry struct {
	Encrypted            string `json:"encrypted"`
	InitializationVector string `json:"initializationVector"`
	AuthenticationTag    string `json:"authenticationTag,omitempty"`
	MetadataKey          int    `json:"metadataKey,omitempty"`
}

type legacyFilePayload struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	Mimetype string `json:"mimetype"`
}

// parseLegacy reads v1.0 and v1.2 documents. Every legacy folder document
// is self-contained: it wraps its own metadata key instead of borrowing the
// top-level one. Parsing always flags the document for migration.
func (m *FolderMetadata) parseLegacy(outer *outerDocument) error {
	key, err := m.unwrapLegacyMetadataKey(&outer.Metadata)
	if err != nil {
		return err
	}
	m.keyForDecryption = key

	if m.IsTopLevelFolder() {
		m.keyForEncryption = append([]byte(nil), key...)
	} else {
		if len(m.root.KeyForEncryption) == 0 {
			return fmt.Errorf("%w: top level keys not resolved for %s", common.ErrInvalidMetadata, m.root.Path)
		}
		m.keyForEncryption = append([]byte(nil), m.root.KeyForEncryption...)
	}

	if m.existingVersion >= Version1_2 {
		if err := m.validateLegacyChecksum(outer, key); err != nil {
			return err
		}
	}

	for encName, entry := range outer.Files {
		file, ok := m.decryptLegacyFile(encName, entry, key)
		if !ok {
			continue
		}
		m.files = append(m.files, file)
	}
	sort.Slice(m.files, func(i, j int) bool {
		return m.files[i].EncryptedFilename < m.files[j].EncryptedFilename
	})

	if m.IsTopLevelFolder() {
		if err := m.seedMigrationState(key); err != nil {
			return err
		}
	}

	m.filedrop = outer.Filedrop
	m.needUpdate = true
	m.versionFromWhichMigrated = m.existingVersion
	return nil
}

// unwrapLegacyMetadataKey recovers the folder key from metadataKey (v1.2)
// or the last entry of metadataKeys (v1.0). The RSA plaintext is
// base64-encoded twice, a quirk of the legacy format.
func (m *FolderMetadata) unwrapLegacyMetadataKey(sec *metadataSection) ([]byte, error) {
	wrappedB64 := sec.MetadataKey
	if wrappedB64 == "" && len(sec.MetadataKeys) > 0 {
		ids := make([]string, 0, len(sec.MetadataKeys))
		for id := range sec.MetadataKeys {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		wrappedB64 = sec.MetadataKeys[ids[len(ids)-1]]
	}
	if wrappedB64 == "" {
		return nil, fmt.Errorf("%w: legacy document without metadata key", common.ErrInvalidMetadata)
	}
	if m.acc.PrivateKey == nil {
		return nil, fmt.Errorf("unwrap legacy metadata key: account has no private key")
	}

	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy metadata key: %v", common.ErrInvalidMetadata, err)
	}
	plain, err := cryptox.DecryptAsymmetric(m.acc.PrivateKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap legacy metadata key: %v", common.ErrInvalidMetadata, err)
	}
	once, err := base64.StdEncoding.DecodeString(string(plain))
	if err != nil {
		return nil, fmt.Errorf("%w: legacy metadata key encoding: %v", common.ErrInvalidMetadata, err)
	}
	key, err := base64.StdEncoding.DecodeString(string(once))
	if err != nil {
		return nil, fmt.Errorf("%w: legacy metadata key encoding: %v", common.ErrInvalidMetadata, err)
	}
	return key, nil
}

// legacyMetadataChecksum hashes the mnemonic without spaces, the sorted
// encrypted filenames and the base64 form of the metadata key.
func legacyMetadataChecksum(mnemonic string, encryptedNames []string, key []byte) string {
	sorted := append([]string(nil), encryptedNames...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.ReplaceAll(mnemonic, " ", "")))
	for _, name := range sorted {
		h.Write([]byte(name))
	}
	h.Write([]byte(base64.StdEncoding.EncodeToString(key)))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *FolderMetadata) validateLegacyChecksum(outer *outerDocument, key []byte) error {
	names := make([]string, 0, len(outer.Files))
	for encName := range outer.Files {
		names = append(names, encName)
	}
	computed := legacyMetadataChecksum(m.acc.Mnemonic, names, key)
	if computed == outer.Metadata.Checksum {
		return nil
	}
	if m.acc.SkipChecksumValidation {
		m.log.Warn(context.Background(), "legacy metadata checksum mismatch tolerated by configuration")
		return nil
	}
	return fmt.Errorf("%w: legacy metadata checksum mismatch", common.ErrInvalidMetadata)
}

func (m *FolderMetadata) decryptLegacyFile(encName string, entry legacyFileEntry, key []byte) (EncryptedFile, bool) {
	blob, err := cryptox.DecryptStringSymmetric(key, entry.Encrypted)
	if err != nil {
		m.log.Warn(context.Background(), "skipping undecryptable legacy entry", "encrypted", encName)
		return EncryptedFile{}, false
	}
	var payload legacyFilePayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		m.log.Warn(context.Background(), "skipping unparsable legacy entry", "encrypted", encName)
		return EncryptedFile{}, false
	}
	if payload.Filename == "" {
		m.log.Warn(context.Background(), "skipping legacy entry with empty filename", "encrypted", encName)
		return EncryptedFile{}, false
	}

	mimetype := payload.Mimetype
	if mimetype == mimetypeInodeDirectory {
		mimetype = MimetypeDirectory
	}
	return EncryptedFile{
		EncryptedFilename: encName,
		OriginalFilename:  payload.Filename,
		Mimetype:          mimetype,
		EncryptionKey:     decodeBase64(payload.Key),
		IV:                decodeBase64(entry.InitializationVector),
		AuthenticationTag: decodeBase64(entry.AuthenticationTag),
	}, true
}

// seedMigrationState prepares a legacy top-level document for its v2.0
// re-upload: the legacy key becomes the first checksum entry and the local
// account becomes the first folder user, keeping the key unchanged so other
// clients still decrypt the folder.
func (m *FolderMetadata) seedMigrationState(key []byte) error {
	m.checksums[keyFingerprint(key)] = struct{}{}

	if len(m.acc.CertificatePEM) == 0 {
		return fmt.Errorf("legacy migration: account has no certificate")
	}
	pub := m.acc.PublicKey()
	if pub == nil {
		return fmt.Errorf("legacy migration: account certificate has no RSA key")
	}
	wrapped, err := cryptox.EncryptAsymmetric(pub, key)
	if err != nil {
		return fmt.Errorf("legacy migration: %w", err)
	}
	m.folderUsers[m.acc.UserID] = FolderUser{
		UserID:               m.acc.UserID,
		CertificatePEM:       append([]byte(nil), m.acc.CertificatePEM...),
		EncryptedMetadataKey: wrapped,
	}
	return nil
}
