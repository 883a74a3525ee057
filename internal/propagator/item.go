// Package propagator executes a sync run: it turns the discovered worklist
// into a tree of jobs and drives them against the local filesystem, the
// journal and the server. Local structural changes (remove, mkdir, rename)
// and encrypted-folder maintenance jobs live here.
package propagator

import (
	"fmt"
	"time"

	"github.com/dmarkhas/vaultsync/internal/e2ee"
	"github.com/dmarkhas/vaultsync/internal/journal"
)

// Instruction says what has to happen to an item, decided by discovery.
type Instruction int

const (
	InstructionNone Instruction = iota
	InstructionRemove
	InstructionNew
	InstructionRename
	InstructionConflict
	InstructionUpdateMetadata
	// InstructionIgnore keeps the item out of propagation entirely; it is
	// reported but no job runs for it.
	InstructionIgnore
)

func (i Instruction) String() string {
	switch i {
	case InstructionNone:
		return "none"
	case InstructionRemove:
		return "remove"
	case InstructionNew:
		return "new"
	case InstructionRename:
		return "rename"
	case InstructionConflict:
		return "conflict"
	case InstructionUpdateMetadata:
		return "update-metadata"
	case InstructionIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// ParseInstruction is the inverse of String, used to decode worklist files.
func ParseInstruction(s string) (Instruction, error) {
	switch s {
	case "none":
		return InstructionNone, nil
	case "remove":
		return InstructionRemove, nil
	case "new":
		return InstructionNew, nil
	case "rename":
		return InstructionRename, nil
	case "conflict":
		return InstructionConflict, nil
	case "update-metadata":
		return InstructionUpdateMetadata, nil
	case "ignore":
		return InstructionIgnore, nil
	default:
		return InstructionNone, fmt.Errorf("unknown instruction %q", s)
	}
}

// Direction is where the change flows. Local jobs apply remote changes, so
// they run with DirectionDown.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp
	DirectionDown
)

// Status is an item's terminal propagation outcome.
type Status int

const (
	StatusNone Status = iota
	StatusSuccess
	StatusConflict
	// StatusSoftError is transient; the item is retried on the next run.
	StatusSoftError
	// StatusNormalError fails the item, siblings continue.
	StatusNormalError
	// StatusFatalError aborts the whole run.
	StatusFatalError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSuccess:
		return "success"
	case StatusConflict:
		return "conflict"
	case StatusSoftError:
		return "soft error"
	case StatusNormalError:
		return "normal error"
	case StatusFatalError:
		return "fatal error"
	default:
		return "unknown"
	}
}

// IsError reports whether the status is one of the failure outcomes.
func (s Status) IsError() bool {
	return s == StatusSoftError || s == StatusNormalError || s == StatusFatalError
}

// SyncFileItem is one entry of the worklist: a path plus the change to apply
// and, afterwards, the outcome. Paths are relative to the sync root.
type SyncFileItem struct {
	// File is the current path. OriginalFile keeps the pre-rename path
	// used for journal lookups; it equals File unless discovery adjusted
	// the item.
	File         string
	OriginalFile string
	// RenameTarget is the destination path of a rename, empty otherwise.
	RenameTarget string

	Instruction Instruction
	Direction   Direction
	IsDirectory bool

	FileID         string
	Etag           string
	Modtime        time.Time
	Size           int64
	ChecksumHeader string

	// EncryptedFilename is the obfuscated server-side path inside an
	// encrypted tree, empty outside one.
	EncryptedFilename string
	EncryptionStatus  e2ee.EncryptionStatus

	Status      Status
	ErrorString string
}

// Destination is the path the item ends up at once propagated.
func (it *SyncFileItem) Destination() string {
	if it.RenameTarget != "" {
		return it.RenameTarget
	}
	return it.File
}

// Done records the terminal status and message on the item.
func (it *SyncFileItem) Done(status Status, message string) {
	it.Status = status
	it.ErrorString = message
}

// Record converts the item into the journal row its successful propagation
// produces.
func (it *SyncFileItem) Record() *journal.FileRecord {
	return &journal.FileRecord{
		Path:             it.Destination(),
		FileID:           it.FileID,
		ETag:             it.Etag,
		Modtime:          it.Modtime,
		IsDirectory:      it.IsDirectory,
		Size:             it.Size,
		ChecksumHeader:   it.ChecksumHeader,
		EncryptionStatus: it.EncryptionStatus,
		E2eMangledName:   it.EncryptedFilename,
	}
}

// NewItemFromRecord is the reverse of Record, used when a job needs a
// worklist entry for a path only the journal knows about.
func NewItemFromRecord(rec *journal.FileRecord) *SyncFileItem {
	return &SyncFileItem{
		File:              rec.Path,
		OriginalFile:      rec.Path,
		IsDirectory:       rec.IsDirectory,
		FileID:            rec.FileID,
		Etag:              rec.ETag,
		Modtime:           rec.Modtime,
		Size:              rec.Size,
		ChecksumHeader:    rec.ChecksumHeader,
		EncryptedFilename: rec.E2eMangledName,
		EncryptionStatus:  rec.EncryptionStatus,
	}
}
