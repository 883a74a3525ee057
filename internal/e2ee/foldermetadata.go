package e2ee

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/cryptox"
	"github.com/dmarkhas/vaultsync/internal/logging"
)

// metadataKeySize is the raw AES key length wrapped for every folder user.
const metadataKeySize = 16

type outerDocument struct {
	Version  json.RawMessage  `json:"version,omitempty"`
	Metadata metadataSection  `json:"metadata"`
	Users    []userEntry      `json:"users,omitempty"`
	Filedrop *filedropSection `json:"filedrop,omitempty"`

	// Legacy documents keep the file map next to the metadata section.
	Files map[string]legacyFileEntry `json:"files,omitempty"`
}

type metadataSection struct {
	Ciphertext        string `json:"ciphertext,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	AuthenticationTag string `json:"authenticationTag,omitempty"`

	// Legacy fields.
	Version      json.RawMessage   `json:"version,omitempty"`
	MetadataKey  string            `json:"metadataKey,omitempty"`
	MetadataKeys map[string]string `json:"metadataKeys,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
}

type userEntry struct {
	UserID               string `json:"userId"`
	Certificate          string `json:"certificate,omitempty"`
	EncryptedMetadataKey string `json:"encryptedMetadataKey,omitempty"`
	EncryptedFiledropKey string `json:"encryptedFiledropKey,omitempty"`
}

type filedropSection struct {
	Ciphertext        string `json:"ciphertext"`
	Nonce             string `json:"nonce"`
	AuthenticationTag string `json:"authenticationTag,omitempty"`
}

type innerDocument struct {
	Counter      int64                     `json:"counter,omitempty"`
	Files        map[string]innerFileEntry `json:"files,omitempty"`
	Folders      map[string]string         `json:"folders,omitempty"`
	KeyChecksums []string                  `json:"keyChecksums,omitempty"`
}

type innerFileEntry struct {
	Filename          string `json:"filename"`
	Mimetype          string `json:"mimetype"`
	Nonce             string `json:"nonce"`
	AuthenticationTag string `json:"authenticationTag"`
	Key               string `json:"key"`
}

// FolderMetadata is one folder's decrypted manifest plus the key material
// needed to read and rewrite it. Top-level folders own the user list and the
// key checksums; sub-folders borrow both from their root.
type FolderMetadata struct {
	acc *account.Account
	log logging.Logger

	root RootFolderInfo

	existingVersion          Version
	serializedVersion        Version
	versionFromWhichMigrated Version
	needUpdate               bool

	counter int64
	files   []EncryptedFile

	folderUsers map[string]FolderUser

	keyForEncryption []byte
	keyForDecryption []byte
	filedropKey      []byte

	checksums        map[string]struct{}
	checksumsRemoved []string

	filedrop *filedropSection
}

func newBareMetadata(acc *account.Account, root RootFolderInfo, log logging.Logger) *FolderMetadata {
	if log == nil {
		log = logging.NewNop()
	}
	return &FolderMetadata{
		acc:         acc,
		log:         log,
		root:        root,
		folderUsers: make(map[string]FolderUser),
		checksums:   make(map[string]struct{}),
	}
}

// NewFolderMetadata parses a fetched metadata document. raw may be the bare
// document or the OCS envelope the server wraps it in. Sub-folder documents
// require root to carry the resolved top-level keys.
func NewFolderMetadata(acc *account.Account, raw []byte, root RootFolderInfo, log logging.Logger) (*FolderMetadata, error) {
	m := newBareMetadata(acc, root, log)
	if err := m.parse(raw); err != nil {
		return nil, err
	}
	return m, nil
}

// NewEmptyFolderMetadata builds a fresh document. Top-level folders
// immediately gain the local account as their first user so the metadata key
// exists for wrapping; sub-folders inherit the keys from root.
func NewEmptyFolderMetadata(acc *account.Account, root RootFolderInfo, log logging.Logger) (*FolderMetadata, error) {
	m := newBareMetadata(acc, root, log)
	m.existingVersion = LatestVersion

	if m.IsTopLevelFolder() {
		if len(acc.CertificatePEM) == 0 {
			return nil, fmt.Errorf("empty metadata: account has no certificate")
		}
		if err := m.AddUser(acc.UserID, acc.CertificatePEM); err != nil {
			return nil, err
		}
		return m, nil
	}

	if len(root.KeyForEncryption) == 0 {
		return nil, fmt.Errorf("empty metadata for %s: top level keys not resolved", root.Path)
	}
	m.keyForEncryption = append([]byte(nil), root.KeyForEncryption...)
	m.keyForDecryption = append([]byte(nil), root.KeyForDecryption...)
	if len(m.keyForDecryption) == 0 {
		m.keyForDecryption = append([]byte(nil), root.KeyForEncryption...)
	}
	return m, nil
}

// metadataDocumentBytes unwraps the OCS envelope when present.
func metadataDocumentBytes(raw []byte) []byte {
	var env struct {
		OCS *struct {
			Data struct {
				MetaData string `json:"meta-data"`
			} `json:"data"`
		} `json:"ocs"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.OCS != nil && env.OCS.Data.MetaData != "" {
		return []byte(env.OCS.Data.MetaData)
	}
	return raw
}

// versionNumber reads a version that servers emit either as a JSON number
// or as a string like "2.0".
func versionNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, perr := strconv.ParseFloat(s, 64); perr == nil {
			return parsed, true
		}
	}
	return 0, false
}

func keyFingerprint(key []byte) string {
	if len(key) > metadataKeySize {
		key = key[:metadataKeySize]
	}
	return cryptox.Sha256Hex(key)
}

func (m *FolderMetadata) parse(raw []byte) error {
	doc := metadataDocumentBytes(raw)

	var outer outerDocument
	if err := json.Unmarshal(doc, &outer); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidMetadata, err)
	}

	num, ok := versionNumber(outer.Version)
	if !ok {
		num, ok = versionNumber(outer.Metadata.Version)
	}
	if !ok {
		return fmt.Errorf("%w: missing version", common.ErrInvalidMetadata)
	}
	v := ParseVersion(num)
	if v == VersionUnknown {
		return fmt.Errorf("%w: unsupported version %v", common.ErrInvalidMetadata, num)
	}
	m.existingVersion = v

	if v < Version2_0 {
		return m.parseLegacy(&outer)
	}
	return m.parseCurrent(&outer)
}

func (m *FolderMetadata) parseCurrent(outer *outerDocument) error {
	if m.IsTopLevelFolder() {
		if len(outer.Users) == 0 {
			return fmt.Errorf("%w: top level document without users", common.ErrInvalidMetadata)
		}
		if err := m.unwrapOwnKeys(outer.Users); err != nil {
			return err
		}
	} else {
		if len(outer.Users) > 0 {
			return fmt.Errorf("%w: sub folder document carries users", common.ErrInvalidMetadata)
		}
		if len(m.root.KeyForDecryption) == 0 && len(m.root.KeyForEncryption) == 0 {
			return fmt.Errorf("%w: top level keys not resolved for %s", common.ErrInvalidMetadata, m.root.Path)
		}
		m.keyForEncryption = append([]byte(nil), m.root.KeyForEncryption...)
		m.keyForDecryption = append([]byte(nil), m.root.KeyForDecryption...)
		if len(m.keyForDecryption) == 0 {
			m.keyForDecryption = append([]byte(nil), m.root.KeyForEncryption...)
		}
	}

	inner, err := m.decryptInnerDocument(&outer.Metadata)
	if err != nil {
		return err
	}

	m.counter = inner.Counter
	if m.IsTopLevelFolder() {
		for _, sum := range inner.KeyChecksums {
			m.checksums[sum] = struct{}{}
		}
		if len(m.checksums) == 0 {
			return fmt.Errorf("%w: top level document without key checksums", common.ErrInvalidMetadata)
		}
	} else {
		for _, sum := range m.root.Checksums {
			m.checksums[sum] = struct{}{}
		}
	}

	if !m.VerifyMetadataKey(m.keyForDecryption) {
		return fmt.Errorf("%w: metadata key does not match any key checksum", common.ErrInvalidMetadata)
	}

	if err := m.collectFiles(inner); err != nil {
		return err
	}

	m.filedrop = outer.Filedrop
	return nil
}

// unwrapOwnKeys finds the local account in the users array and recovers the
// metadata key (and the filedrop key when wrapped).
func (m *FolderMetadata) unwrapOwnKeys(users []userEntry) error {
	var own *userEntry
	for i := range users {
		u := users[i]
		m.folderUsers[u.UserID] = FolderUser{
			UserID:               u.UserID,
			CertificatePEM:       []byte(u.Certificate),
			EncryptedMetadataKey: decodeBase64(u.EncryptedMetadataKey),
			EncryptedFiledropKey: decodeBase64(u.EncryptedFiledropKey),
		}
		if u.UserID == m.acc.UserID {
			own = &users[i]
		}
	}
	if own == nil {
		return fmt.Errorf("%w: account %s is not among folder users", common.ErrInvalidMetadata, m.acc.UserID)
	}
	if m.acc.PrivateKey == nil {
		return fmt.Errorf("unwrap metadata key: account has no private key")
	}

	wrapped := decodeBase64(own.EncryptedMetadataKey)
	if len(wrapped) == 0 {
		return fmt.Errorf("%w: user %s has no encrypted metadata key", common.ErrInvalidMetadata, m.acc.UserID)
	}
	key, err := cryptox.DecryptAsymmetric(m.acc.PrivateKey, wrapped)
	if err != nil {
		return fmt.Errorf("%w: unwrap metadata key: %v", common.ErrInvalidMetadata, err)
	}
	m.keyForEncryption = key
	m.keyForDecryption = append([]byte(nil), key...)

	if fd := decodeBase64(own.EncryptedFiledropKey); len(fd) > 0 {
		if fdKey, err := cryptox.DecryptAsymmetric(m.acc.PrivateKey, fd); err == nil {
			m.filedropKey = fdKey
		} else {
			m.log.Warn(context.Background(), "could not unwrap filedrop key", "user", m.acc.UserID)
		}
	}
	return nil
}

func (m *FolderMetadata) decryptInnerDocument(sec *metadataSection) (*innerDocument, error) {
	if sec.Ciphertext == "" || sec.Nonce == "" {
		return nil, fmt.Errorf("%w: missing metadata ciphertext", common.ErrInvalidMetadata)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", common.ErrInvalidMetadata, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", common.ErrInvalidMetadata, err)
	}
	compressed, err := cryptox.DecryptAESGCM(m.keyForDecryption, ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt metadata: %v", common.ErrInvalidMetadata, err)
	}
	plain, err := cryptox.GzipDecompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate metadata: %v", common.ErrInvalidMetadata, err)
	}
	var inner innerDocument
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, fmt.Errorf("%w: inner document: %v", common.ErrInvalidMetadata, err)
	}
	return &inner, nil
}

func (m *FolderMetadata) collectFiles(inner *innerDocument) error {
	for encName, entry := range inner.Files {
		file := EncryptedFile{
			EncryptedFilename: encName,
			OriginalFilename:  entry.Filename,
			Mimetype:          entry.Mimetype,
			EncryptionKey:     decodeBase64(entry.Key),
			IV:                decodeBase64(entry.Nonce),
			AuthenticationTag: decodeBase64(entry.AuthenticationTag),
		}
		if file.OriginalFilename == "" {
			m.log.Warn(context.Background(), "skipping metadata entry with empty filename", "encrypted", encName)
			continue
		}
		m.files = append(m.files, file)
	}
	for encName, origName := range inner.Folders {
		if origName == "" {
			m.log.Warn(context.Background(), "skipping folder entry with empty name", "encrypted", encName)
			continue
		}
		m.files = append(m.files, EncryptedFile{
			EncryptedFilename: encName,
			OriginalFilename:  origName,
			Mimetype:          MimetypeDirectory,
		})
	}
	sort.Slice(m.files, func(i, j int) bool {
		return m.files[i].EncryptedFilename < m.files[j].EncryptedFilename
	})
	return nil
}

func decodeBase64(s string) []byte {
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// IsTopLevelFolder reports whether this document is the top of its encrypted
// tree, which is where users and key checksums live.
func (m *FolderMetadata) IsTopLevelFolder() bool {
	return m.root.IsTopLevel()
}

// VerifyMetadataKey checks a candidate key against the checksum set.
// Pre-2.0 documents carried no checksums and always pass; an empty checksum
// set on a sub-folder document is legitimate and also passes.
func (m *FolderMetadata) VerifyMetadataKey(key []byte) bool {
	if m.existingVersion != VersionUnknown && m.existingVersion < Version2_0 {
		return true
	}
	if len(key) < metadataKeySize {
		return false
	}
	if len(m.checksums) == 0 {
		return !m.IsTopLevelFolder()
	}
	_, ok := m.checksums[keyFingerprint(key)]
	return ok
}

// createNewMetadataKeyForEncryption rotates the metadata key: the old key's
// fingerprint moves to the removed set, a fresh key is generated and wrapped
// for every folder user.
func (m *FolderMetadata) createNewMetadataKeyForEncryption() error {
	if !m.IsTopLevelFolder() {
		return fmt.Errorf("%w: key rotation on a sub folder document", common.ErrInvariantViolation)
	}

	if len(m.keyForEncryption) > 0 {
		old := keyFingerprint(m.keyForEncryption)
		if _, ok := m.checksums[old]; ok {
			delete(m.checksums, old)
			m.checksumsRemoved = append(m.checksumsRemoved, old)
		}
	}

	key, err := cryptox.GenerateRandom(metadataKeySize)
	if err != nil {
		return fmt.Errorf("rotate metadata key: %w", err)
	}
	m.keyForEncryption = key
	if len(m.keyForDecryption) == 0 {
		m.keyForDecryption = append([]byte(nil), key...)
	}
	m.checksums[keyFingerprint(key)] = struct{}{}

	for id, user := range m.folderUsers {
		pub, err := cryptox.PublicKeyFromCertificatePEM(user.CertificatePEM)
		if err != nil {
			return fmt.Errorf("rewrap key for %s: %w", id, err)
		}
		wrapped, err := cryptox.EncryptAsymmetric(pub, m.keyForEncryption)
		if err != nil {
			return fmt.Errorf("rewrap key for %s: %w", id, err)
		}
		user.EncryptedMetadataKey = wrapped
		if len(m.filedropKey) > 0 {
			fdWrapped, err := cryptox.EncryptAsymmetric(pub, m.filedropKey)
			if err != nil {
				return fmt.Errorf("rewrap filedrop key for %s: %w", id, err)
			}
			user.EncryptedFiledropKey = fdWrapped
		}
		m.folderUsers[id] = user
	}
	return nil
}

// AddUser shares the folder with another user: validates the certificate,
// rotates the metadata key and wraps it for everyone including the newcomer.
func (m *FolderMetadata) AddUser(userID string, certPEM []byte) error {
	if !m.IsTopLevelFolder() {
		return fmt.Errorf("%w: adding a user to a sub folder document", common.ErrInvariantViolation)
	}
	if userID == "" {
		return fmt.Errorf("add user: empty user id")
	}
	if _, err := cryptox.PublicKeyFromCertificatePEM(certPEM); err != nil {
		return fmt.Errorf("add user %s: %w", userID, err)
	}

	m.folderUsers[userID] = FolderUser{
		UserID:         userID,
		CertificatePEM: append([]byte(nil), certPEM...),
	}
	return m.createNewMetadataKeyForEncryption()
}

// RemoveUser revokes a user's access. Rotation guarantees the removed user's
// old key no longer decrypts future uploads.
func (m *FolderMetadata) RemoveUser(userID string) error {
	if !m.IsTopLevelFolder() {
		return fmt.Errorf("%w: removing a user from a sub folder document", common.ErrInvariantViolation)
	}
	if _, ok := m.folderUsers[userID]; !ok {
		return fmt.Errorf("remove user %s: %w", userID, common.ErrNotFound)
	}
	delete(m.folderUsers, userID)
	return m.createNewMetadataKeyForEncryption()
}

// AddEncryptedFile inserts an entry, replacing any existing entry with the
// same original filename.
func (m *FolderMetadata) AddEncryptedFile(f EncryptedFile) {
	for i := range m.files {
		if m.files[i].OriginalFilename == f.OriginalFilename {
			m.files[i] = f
			return
		}
	}
	m.files = append(m.files, f)
}

func (m *FolderMetadata) RemoveEncryptedFile(originalFilename string) {
	out := m.files[:0]
	for _, f := range m.files {
		if f.OriginalFilename != originalFilename {
			out = append(out, f)
		}
	}
	m.files = out
}

func (m *FolderMetadata) RemoveAllEncryptedFiles() {
	m.files = nil
}

// Files returns a copy of the manifest entries.
func (m *FolderMetadata) Files() []EncryptedFile {
	return append([]EncryptedFile(nil), m.files...)
}

func (m *FolderMetadata) IsFileDropPresent() bool {
	return m.filedrop != nil && m.filedrop.Ciphertext != ""
}

// MoveFromFileDropToFiles folds received filedrop entries into the live
// document so the next serialization persists them. Returns whether
// anything moved.
func (m *FolderMetadata) MoveFromFileDropToFiles() bool {
	if !m.IsFileDropPresent() {
		return false
	}

	ciphertext, err := base64.StdEncoding.DecodeString(m.filedrop.Ciphertext)
	if err != nil {
		m.log.Warn(context.Background(), "filedrop ciphertext is not valid base64")
		return false
	}
	nonce, err := base64.StdEncoding.DecodeString(m.filedrop.Nonce)
	if err != nil {
		m.log.Warn(context.Background(), "filedrop nonce is not valid base64")
		return false
	}
	compressed, err := cryptox.DecryptAESGCM(m.keyForDecryption, ciphertext, nonce)
	if err != nil {
		m.log.Warn(context.Background(), "could not decrypt filedrop section")
		return false
	}
	plain, err := cryptox.GzipDecompress(compressed)
	if err != nil {
		m.log.Warn(context.Background(), "could not inflate filedrop section")
		return false
	}
	var inner innerDocument
	if err := json.Unmarshal(plain, &inner); err != nil {
		m.log.Warn(context.Background(), "could not parse filedrop section")
		return false
	}

	moved := false
	for encName, entry := range inner.Files {
		if entry.Filename == "" {
			continue
		}
		m.AddEncryptedFile(EncryptedFile{
			EncryptedFilename: encName,
			OriginalFilename:  entry.Filename,
			Mimetype:          entry.Mimetype,
			EncryptionKey:     decodeBase64(entry.Key),
			IV:                decodeBase64(entry.Nonce),
			AuthenticationTag: decodeBase64(entry.AuthenticationTag),
		})
		moved = true
	}
	for encName, origName := range inner.Folders {
		if origName == "" {
			continue
		}
		m.AddEncryptedFile(EncryptedFile{
			EncryptedFilename: encName,
			OriginalFilename:  origName,
			Mimetype:          MimetypeDirectory,
		})
		moved = true
	}

	m.filedrop = nil
	return moved
}

// EncryptedMetadata serializes the document at the latest version: inner
// JSON, gzip, AES-GCM under the encryption key with a fresh nonce, then the
// outer object with per-user wrapped keys on top-level documents.
func (m *FolderMetadata) EncryptedMetadata() ([]byte, error) {
	if len(m.keyForEncryption) == 0 {
		return nil, fmt.Errorf("%w: no metadata key for encryption", common.ErrCrypto)
	}
	if m.IsTopLevelFolder() && len(m.folderUsers) == 0 {
		return nil, fmt.Errorf("%w: top level document without users", common.ErrInvariantViolation)
	}
	if !m.IsTopLevelFolder() && len(m.folderUsers) > 0 {
		return nil, fmt.Errorf("%w: sub folder document carries users", common.ErrInvariantViolation)
	}
	if m.IsTopLevelFolder() && len(m.checksums) == 0 {
		return nil, fmt.Errorf("%w: top level document without key checksums", common.ErrInvariantViolation)
	}

	m.counter++
	inner := innerDocument{
		Counter: m.counter,
		Files:   make(map[string]innerFileEntry),
		Folders: make(map[string]string),
	}
	for _, f := range m.files {
		if f.IsDirectory() {
			inner.Folders[f.EncryptedFilename] = f.OriginalFilename
			continue
		}
		inner.Files[f.EncryptedFilename] = innerFileEntry{
			Filename:          f.OriginalFilename,
			Mimetype:          f.Mimetype,
			Nonce:             base64.StdEncoding.EncodeToString(f.IV),
			AuthenticationTag: base64.StdEncoding.EncodeToString(f.AuthenticationTag),
			Key:               base64.StdEncoding.EncodeToString(f.EncryptionKey),
		}
	}
	if m.IsTopLevelFolder() {
		inner.KeyChecksums = m.KeyChecksums()
	}

	plain, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	compressed, err := cryptox.GzipCompress(plain)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	nonce, err := cryptox.GenerateRandom(cryptox.MetadataNonceSize)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	ciphertext, err := cryptox.EncryptAESGCM(m.keyForEncryption, compressed, nonce)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}

	outer := outerDocument{
		Version: json.RawMessage(`"2.0"`),
		Metadata: metadataSection{
			Ciphertext:        base64.StdEncoding.EncodeToString(ciphertext),
			Nonce:             base64.StdEncoding.EncodeToString(nonce),
			AuthenticationTag: base64.StdEncoding.EncodeToString(cryptox.AuthenticationTag(ciphertext)),
		},
		Filedrop: m.filedrop,
	}
	if m.IsTopLevelFolder() {
		for _, user := range m.FolderUsers() {
			entry := userEntry{
				UserID:               user.UserID,
				Certificate:          string(user.CertificatePEM),
				EncryptedMetadataKey: base64.StdEncoding.EncodeToString(user.EncryptedMetadataKey),
			}
			if len(user.EncryptedFiledropKey) > 0 {
				entry.EncryptedFiledropKey = base64.StdEncoding.EncodeToString(user.EncryptedFiledropKey)
			}
			outer.Users = append(outer.Users, entry)
		}
	}

	doc, err := json.Marshal(outer)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	m.serializedVersion = LatestVersion
	return doc, nil
}

// EncryptedMetadataNeedUpdate reports whether a legacy document still awaits
// its migration re-upload.
func (m *FolderMetadata) EncryptedMetadataNeedUpdate() bool {
	return m.needUpdate
}

// MigratedVersion is the version the document was read at when a migration
// is pending, VersionUnknown otherwise.
func (m *FolderMetadata) MigratedVersion() Version {
	return m.versionFromWhichMigrated
}

// EncryptedMetadataEncryptionStatus reports the status items and journal
// rows should record: the serialized version once the document was written,
// otherwise the version it was read at.
func (m *FolderMetadata) EncryptedMetadataEncryptionStatus() EncryptionStatus {
	if m.serializedVersion != VersionUnknown {
		return m.serializedVersion.Status()
	}
	return m.existingVersion.Status()
}

func (m *FolderMetadata) ExistingVersion() Version {
	return m.existingVersion
}

func (m *FolderMetadata) KeyForEncryption() []byte {
	return append([]byte(nil), m.keyForEncryption...)
}

func (m *FolderMetadata) KeyForDecryption() []byte {
	return append([]byte(nil), m.keyForDecryption...)
}

// KeyChecksums returns the live checksum set, sorted.
func (m *FolderMetadata) KeyChecksums() []string {
	out := make([]string, 0, len(m.checksums))
	for sum := range m.checksums {
		out = append(out, sum)
	}
	sort.Strings(out)
	return out
}

// KeyChecksumsRemoved returns fingerprints dropped by key rotations, in
// rotation order.
func (m *FolderMetadata) KeyChecksumsRemoved() []string {
	return append([]string(nil), m.checksumsRemoved...)
}

// FolderUsers returns the user list sorted by user id.
func (m *FolderMetadata) FolderUsers() []FolderUser {
	out := make([]FolderUser, 0, len(m.folderUsers))
	for _, u := range m.folderUsers {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
