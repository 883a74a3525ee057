package e2ee

const (
	// MimetypeDirectory marks directory entries inside folder metadata.
	MimetypeDirectory      = "httpd/unix-directory"
	mimetypeInodeDirectory = "inode/directory"
)

// EncryptedFile is one manifest entry: the mapping between the obfuscated
// server-side name and the original name, plus the per-file content key.
type EncryptedFile struct {
	EncryptedFilename string
	OriginalFilename  string
	Mimetype          string
	EncryptionKey     []byte
	IV                []byte
	AuthenticationTag []byte
}

// IsDirectory reports whether the entry denotes a directory. Legacy
// documents used inode/directory, current ones httpd/unix-directory, and
// some very old ones left the mimetype empty.
func (f EncryptedFile) IsDirectory() bool {
	switch f.Mimetype {
	case "", mimetypeInodeDirectory, MimetypeDirectory:
		return true
	}
	return false
}

// FolderUser is one sharee of a top-level encrypted folder. Only top-level
// documents carry users; sub-folder documents inherit the key.
type FolderUser struct {
	UserID               string
	CertificatePEM       []byte
	EncryptedMetadataKey []byte
	EncryptedFiledropKey []byte
}
