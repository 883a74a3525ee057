// Package e2ee implements the end-to-end-encrypted folder metadata format:
// the versioned document attached to every encrypted folder, its legacy
// readers and migration, per-user key wrapping, and the fetch, lock, upload,
// unlock cycle against the server.
package e2ee

import "fmt"

// EncryptionStatus describes how (and whether) a folder or file participates
// in end-to-end encryption. It is shared by sync items, journal records and
// metadata documents.
type EncryptionStatus int

const (
	StatusNotEncrypted EncryptionStatus = iota
	// StatusEncrypted marks folders still carrying a version 1.0 document.
	StatusEncrypted
	StatusEncryptedMigratedV1_2
	StatusEncryptedMigratedV2_0
)

// IsEncrypted reports whether the status denotes any encrypted state.
func (s EncryptionStatus) IsEncrypted() bool { return s != StatusNotEncrypted }

func (s EncryptionStatus) String() string {
	switch s {
	case StatusNotEncrypted:
		return "not-encrypted"
	case StatusEncrypted:
		return "encrypted-v1.0"
	case StatusEncryptedMigratedV1_2:
		return "encrypted-v1.2"
	case StatusEncryptedMigratedV2_0:
		return "encrypted-v2.0"
	default:
		return fmt.Sprintf("encryption-status(%d)", int(s))
	}
}

// ParseEncryptionStatus is the inverse of String. An empty string reads as
// StatusNotEncrypted so that worklist entries may omit the field.
func ParseEncryptionStatus(s string) (EncryptionStatus, error) {
	switch s {
	case "", "not-encrypted":
		return StatusNotEncrypted, nil
	case "encrypted-v1.0":
		return StatusEncrypted, nil
	case "encrypted-v1.2":
		return StatusEncryptedMigratedV1_2, nil
	case "encrypted-v2.0":
		return StatusEncryptedMigratedV2_0, nil
	default:
		return StatusNotEncrypted, fmt.Errorf("unknown encryption status %q", s)
	}
}

// Version is a metadata document format version. Documents are always
// written at LatestVersion; older versions are read for migration only.
type Version int

const (
	VersionUnknown Version = iota
	Version1_0
	Version1_2
	Version2_0
)

// LatestVersion is the only version new documents are serialized at.
const LatestVersion = Version2_0

// ParseVersion maps the JSON "version" number to a Version.
func ParseVersion(n float64) Version {
	switch {
	case n >= 2.0:
		return Version2_0
	case n >= 1.2:
		return Version1_2
	case n >= 1.0:
		return Version1_0
	default:
		return VersionUnknown
	}
}

// Number returns the wire representation of the version.
func (v Version) Number() float64 {
	switch v {
	case Version1_0:
		return 1.0
	case Version1_2:
		return 1.2
	case Version2_0:
		return 2.0
	default:
		return 0
	}
}

// Status maps a document version to the encryption status recorded on items
// and journal rows.
func (v Version) Status() EncryptionStatus {
	switch v {
	case Version1_0:
		return StatusEncrypted
	case Version1_2:
		return StatusEncryptedMigratedV1_2
	case Version2_0:
		return StatusEncryptedMigratedV2_0
	default:
		return StatusNotEncrypted
	}
}
