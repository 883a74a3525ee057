// Package journal defines the local sync database: the last-synced state per
// path that propagation jobs read and rewrite as they apply changes. Two
// implementations exist, an in-memory one for tests and a SQLite one for real
// clients.
package journal

import (
	"context"
	"time"

	"github.com/dmarkhas/vaultsync/internal/e2ee"
)

// FileRecord is one row of the journal: everything the engine remembers
// about a path after its last successful sync.
type FileRecord struct {
	// Path is relative to the sync root, slash-separated, no leading slash.
	Path           string
	FileID         string
	ETag           string
	Modtime        time.Time
	IsDirectory    bool
	Size           int64
	ChecksumHeader string

	EncryptionStatus e2ee.EncryptionStatus
	// E2eMangledName is the obfuscated server-side path of an encrypted
	// file or folder. Empty outside encrypted trees.
	E2eMangledName string
}

// IsValid reports whether the record refers to a real row.
func (r *FileRecord) IsValid() bool { return r != nil && r.Path != "" }

// PinState is the virtual-file marker tracked per path, independent of
// encryption.
type PinState int

const (
	PinStateInherited PinState = iota
	PinStateAlwaysLocal
	PinStateOnlineOnly
	PinStateUnspecified
)

// Journal is the store interface used by the propagator and the metadata
// jobs. Lookups return (nil, nil) when the path is unknown; absence is not
// an error. Writes accumulate in a pending transaction committed by Commit,
// once per logical operation, with a human-readable label.
type Journal interface {
	GetFileRecord(ctx context.Context, path string) (*FileRecord, error)
	SetFileRecord(ctx context.Context, rec *FileRecord) error

	// DeleteFileRecord removes the row for path. With recursively set it
	// also removes every row below path. Deleting an absent row is a no-op.
	DeleteFileRecord(ctx context.Context, path string, recursively bool) error

	// GetFilesBelowPath visits every record strictly below path in
	// ascending path order and returns the visit count. A non-nil error
	// from visit stops the walk and is returned.
	GetFilesBelowPath(ctx context.Context, path string, visit func(*FileRecord) error) (int, error)

	// GetRootE2eFolderRecord returns the record of the topmost encrypted
	// ancestor folder of path (or of path itself), or (nil, nil) when the
	// path is not inside an encrypted tree.
	GetRootE2eFolderRecord(ctx context.Context, path string) (*FileRecord, error)

	PinState(ctx context.Context, path string) (PinState, error)
	SetPinState(ctx context.Context, path string, state PinState) error

	Commit(ctx context.Context, label string) error
	Close() error
}
