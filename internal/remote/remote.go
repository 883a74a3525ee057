// Package remote is the engine's view of the server: folder listing,
// encrypted metadata transfer, folder locks, the encryption flag, and user
// public keys. All HTTP/OCS details stay behind the Client interface and
// every failure surfaces as *Error with a closed ErrorKind.
package remote

import "context"

// Client is implemented by the OCS HTTP client and by test fakes.
type Client interface {
	// ResolveFileID returns the server file id of a remote path.
	ResolveFileID(ctx context.Context, remotePath string) (string, error)

	// FetchFolderMetadata returns the raw metadata response body for the
	// folder. The caller parses it; absent metadata is KindNotFound.
	FetchFolderMetadata(ctx context.Context, fileID string) ([]byte, error)

	// UploadFolderMetadata stores the serialized metadata document under
	// the folder's lock token. create distinguishes the first upload
	// from an update of an existing document.
	UploadFolderMetadata(ctx context.Context, fileID, token string, body []byte, create bool) error

	// LockFolder acquires the folder's metadata lock and returns the
	// capability token every subsequent mutation must carry.
	LockFolder(ctx context.Context, fileID string) (string, error)

	// UnlockFolder releases the lock. With commit false the server
	// discards metadata staged under this token (best-effort rollback).
	UnlockFolder(ctx context.Context, fileID, token string, commit bool) error

	// SetEncryptionFlag marks or unmarks the folder as end-to-end
	// encrypted.
	SetEncryptionFlag(ctx context.Context, fileID string, enabled bool) error

	// UserPublicKeys returns the PEM certificates of the given users.
	// Users without a published key are absent from the result.
	UserPublicKeys(ctx context.Context, users []string) (map[string][]byte, error)
}
