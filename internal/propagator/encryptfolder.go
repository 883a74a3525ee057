package propagator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/e2ee"
)

// EncryptFolderJob turns a remote folder into an end-to-end encrypted one:
// it sets the server-side encryption flag, marks the journal row, then
// builds and uploads the folder's first, empty metadata document.
type EncryptFolderJob struct {
	p    *Propagator
	item *SyncFileItem

	folderPath string
	fileID     string
}

// NewEncryptFolderJob prepares encryption of folderPath. item may be nil
// when the caller has no worklist entry for the folder; fileID may be empty
// and is then resolved on the server.
func NewEncryptFolderJob(p *Propagator, folderPath, fileID string, item *SyncFileItem) *EncryptFolderJob {
	return &EncryptFolderJob{p: p, item: item, folderPath: folderPath, fileID: fileID}
}

func (j *EncryptFolderJob) Item() *SyncFileItem { return j.item }

func (j *EncryptFolderJob) Parallelism() Parallelism { return WaitForFinished }

func (j *EncryptFolderJob) Start(ctx context.Context, rt *JobRuntime) {
	var status Status
	var message string
	rt.Async(func() error {
		status, message = j.Run(ctx)
		return nil
	}, func(error) {
		rt.Finish(status, message)
	})
}

// Run executes the job and returns its terminal status. Runs exclusively:
// the scheduler admits nothing else while it holds the folder lock.
func (j *EncryptFolderJob) Run(ctx context.Context) (Status, string) {
	p := j.p
	if p.AbortRequested() {
		return StatusSoftError, "propagation aborted"
	}

	if j.fileID == "" {
		id, err := p.client.ResolveFileID(ctx, j.folderPath)
		if err != nil {
			return StatusNormalError, err.Error()
		}
		j.fileID = id
	}

	if err := p.client.SetEncryptionFlag(ctx, j.fileID, true); err != nil {
		return StatusNormalError, fmt.Sprintf("Could not mark folder as encrypted: %s", err)
	}

	j.markRecordEncrypted(ctx)

	root, status, message := j.resolveRoot(ctx)
	if status != StatusNone {
		return status, message
	}

	handler := e2ee.NewMetadataHandler(p.acc, p.client, j.folderPath, root, p.log)
	handler.SetFolderID(j.fileID)
	if err := handler.FetchMetadata(ctx, true); err != nil {
		return StatusNormalError, err.Error()
	}

	if err := handler.UploadMetadata(ctx, false); err != nil {
		if errors.Is(err, common.ErrCrypto) || errors.Is(err, common.ErrInvariantViolation) {
			if unlockErr := handler.UnlockFolder(ctx, false); unlockErr != nil {
				p.log.Warn(ctx, "unlock after failed metadata generation", "folder", j.folderPath, "err", unlockErr)
			}
			return StatusNormalError, "Could not generate the metadata for encryption. Unlocking the folder.\nThis can be an issue with your OpenSSL libraries."
		}
		return StatusNormalError, err.Error()
	}

	if j.item != nil {
		j.item.EncryptionStatus = handler.Metadata().EncryptedMetadataEncryptionStatus()
	}
	p.log.Info(ctx, "folder encrypted", "folder", j.folderPath)
	return StatusSuccess, ""
}

// markRecordEncrypted flips the journal row to encrypted, creating the row
// first when the job was handed a worklist item for a folder the journal
// does not know yet. Failures only log; the server-side flag is already set
// and discovery repairs the row on the next run.
func (j *EncryptFolderJob) markRecordEncrypted(ctx context.Context) {
	p := j.p
	rec, err := p.journal.GetFileRecord(ctx, j.folderPath)
	if err != nil {
		p.log.Warn(ctx, "journal lookup failed", "folder", j.folderPath, "err", err)
		return
	}
	if !rec.IsValid() && j.item != nil {
		if _, err := p.UpdateMetadata(ctx, j.item); err != nil {
			p.log.Warn(ctx, "could not create journal row", "folder", j.folderPath, "err", err)
			return
		}
		rec, err = p.journal.GetFileRecord(ctx, j.folderPath)
		if err != nil {
			p.log.Warn(ctx, "journal lookup failed", "folder", j.folderPath, "err", err)
			return
		}
	}
	if !rec.IsValid() {
		p.log.Warn(ctx, "no journal row to mark encrypted", "folder", j.folderPath)
		return
	}
	rec.EncryptionStatus = e2ee.StatusEncrypted
	if err := p.journal.SetFileRecord(ctx, rec); err != nil {
		p.log.Warn(ctx, "could not mark journal row encrypted", "folder", j.folderPath, "err", err)
	}
}

// resolveRoot finds the key material the new document must be built from: a
// folder inside an existing encrypted tree inherits its root's keys, a
// freshly encrypted folder is its own top level.
func (j *EncryptFolderJob) resolveRoot(ctx context.Context) (e2ee.RootFolderInfo, Status, string) {
	p := j.p
	rootPath := "/"
	rootRec, err := p.journal.GetRootE2eFolderRecord(ctx, j.folderPath)
	if err != nil {
		return e2ee.RootFolderInfo{}, StatusNormalError, err.Error()
	}
	if rootRec.IsValid() && rootRec.Path != j.folderPath {
		rootPath = rootRec.Path
	}
	root, err := p.resolver.Resolve(ctx, rootPath)
	if err != nil {
		return e2ee.RootFolderInfo{}, StatusNormalError, err.Error()
	}
	return root, StatusNone, ""
}
