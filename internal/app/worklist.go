package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmarkhas/vaultsync/internal/e2ee"
	"github.com/dmarkhas/vaultsync/internal/propagator"
)

// worklistEntry is the JSON shape of one discovery result. Discovery runs out
// of process; its output file is this engine's input.
type worklistEntry struct {
	Path              string    `json:"path"`
	RenameTarget      string    `json:"rename_target,omitempty"`
	Instruction       string    `json:"instruction"`
	IsDirectory       bool      `json:"is_directory,omitempty"`
	FileID            string    `json:"file_id,omitempty"`
	Etag              string    `json:"etag,omitempty"`
	Modtime           time.Time `json:"modtime,omitempty"`
	Size              int64     `json:"size,omitempty"`
	ChecksumHeader    string    `json:"checksum_header,omitempty"`
	EncryptedFilename string    `json:"encrypted_filename,omitempty"`
	EncryptionStatus  string    `json:"encryption_status,omitempty"`
}

// LoadWorklist reads a discovery output file into sync items. Items run with
// DirectionDown: this engine applies remote changes locally.
func LoadWorklist(path string) ([]*propagator.SyncFileItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worklist: %w", err)
	}

	var entries []worklistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse worklist %s: %w", path, err)
	}

	items := make([]*propagator.SyncFileItem, 0, len(entries))
	for i, e := range entries {
		if e.Path == "" {
			return nil, fmt.Errorf("worklist entry %d: missing path", i)
		}
		instruction, err := propagator.ParseInstruction(e.Instruction)
		if err != nil {
			return nil, fmt.Errorf("worklist entry %d (%s): %w", i, e.Path, err)
		}
		status, err := e2ee.ParseEncryptionStatus(e.EncryptionStatus)
		if err != nil {
			return nil, fmt.Errorf("worklist entry %d (%s): %w", i, e.Path, err)
		}
		items = append(items, &propagator.SyncFileItem{
			File:              e.Path,
			OriginalFile:      e.Path,
			RenameTarget:      e.RenameTarget,
			Instruction:       instruction,
			Direction:         propagator.DirectionDown,
			IsDirectory:       e.IsDirectory,
			FileID:            e.FileID,
			Etag:              e.Etag,
			Modtime:           e.Modtime,
			Size:              e.Size,
			ChecksumHeader:    e.ChecksumHeader,
			EncryptedFilename: e.EncryptedFilename,
			EncryptionStatus:  status,
		})
	}
	return items, nil
}
