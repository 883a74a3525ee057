package propagator

import (
	"context"

	"github.com/dmarkhas/vaultsync/internal/e2ee"
)

// UpdateMigratedMetadataJob re-uploads a folder's metadata purely to finish
// a pending format migration: discovery parsed a legacy document (or one
// with a pending file-drop), so the folder has to be rewritten in the
// current format without any accompanying file transfer.
type UpdateMigratedMetadataJob struct {
	p    *Propagator
	item *SyncFileItem
}

func NewUpdateMigratedMetadataJob(p *Propagator, item *SyncFileItem) *UpdateMigratedMetadataJob {
	return &UpdateMigratedMetadataJob{p: p, item: item}
}

func (j *UpdateMigratedMetadataJob) Item() *SyncFileItem { return j.item }

// Parallelism is exclusive: the job mutates shared folder-level state.
func (j *UpdateMigratedMetadataJob) Parallelism() Parallelism { return WaitForFinished }

func (j *UpdateMigratedMetadataJob) Start(ctx context.Context, rt *JobRuntime) {
	var status Status
	var message string
	rt.Async(func() error {
		status, message = j.Run(ctx)
		return nil
	}, func(error) {
		rt.Finish(status, message)
	})
}

// Run fetches the folder's document, folds a pending file-drop into it and
// re-uploads when the parse flagged a migration. A document that turns out
// not to need one is an inconsistency: discovery scheduled this job for a
// reason, so the run is stopped rather than papered over.
func (j *UpdateMigratedMetadataJob) Run(ctx context.Context) (Status, string) {
	p, item := j.p, j.item
	if p.AbortRequested() {
		return StatusSoftError, "propagation aborted"
	}

	rootRec, err := p.journal.GetRootE2eFolderRecord(ctx, item.File)
	if err != nil || !rootRec.IsValid() {
		return StatusFatalError, "Failed to update folder metadata."
	}
	rootPath := "/"
	if rootRec.Path != item.File {
		rootPath = rootRec.Path
	}
	root, err := p.resolver.Resolve(ctx, rootPath)
	if err != nil {
		return StatusFatalError, "Failed to update folder metadata."
	}

	remotePath := item.File
	if item.EncryptedFilename != "" {
		remotePath = item.EncryptedFilename
	}
	handler := e2ee.NewMetadataHandler(p.acc, p.client, remotePath, root, p.log)
	if item.FileID != "" {
		handler.SetFolderID(item.FileID)
	}

	if err := handler.FetchMetadata(ctx, false); err != nil {
		return StatusFatalError, "Failed to update folder metadata."
	}

	md := handler.Metadata()
	movedFiledrop := md.IsFileDropPresent() && md.MoveFromFileDropToFiles()
	if !movedFiledrop && !md.EncryptedMetadataNeedUpdate() {
		if unlockErr := handler.UnlockFolder(ctx, false); unlockErr != nil {
			p.log.Warn(ctx, "unlock failed", "folder", item.File, "err", unlockErr)
		}
		return StatusFatalError, "Failed to update folder metadata."
	}

	if err := handler.UploadMetadata(ctx, true); err != nil {
		return StatusFatalError, "Failed to update folder metadata."
	}
	if err := handler.UnlockFolder(ctx, true); err != nil {
		return StatusFatalError, "Failed to unlock encrypted folder."
	}

	item.EncryptionStatus = md.EncryptedMetadataEncryptionStatus()
	j.updateRecord(ctx)
	p.log.Info(ctx, "folder metadata migrated", "folder", item.File, "from", md.MigratedVersion())
	return StatusSuccess, ""
}

// updateRecord writes the migrated encryption status back onto the folder's
// journal row, best effort.
func (j *UpdateMigratedMetadataJob) updateRecord(ctx context.Context) {
	p, item := j.p, j.item
	rec, err := p.journal.GetFileRecord(ctx, item.File)
	if err != nil || !rec.IsValid() {
		return
	}
	rec.EncryptionStatus = item.EncryptionStatus
	if err := p.journal.SetFileRecord(ctx, rec); err != nil {
		p.log.Warn(ctx, "could not update journal row", "folder", item.File, "err", err)
		return
	}
	if err := p.journal.Commit(ctx, "update migrated metadata"); err != nil {
		p.log.Error(ctx, "journal commit failed", "label", "update migrated metadata", "err", err)
	}
}
