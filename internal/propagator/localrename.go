package propagator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmarkhas/vaultsync/internal/journal"
	"github.com/dmarkhas/vaultsync/internal/localfs"
)

// LocalRenameJob moves a local file or directory to the name the server
// renamed it to. Directory renames rewrite every journal row below the old
// path and record the rename so later jobs can adjust origins that still
// mention the old name; the directory's own row lands when its subtree
// finalizes.
type LocalRenameJob struct {
	p    *Propagator
	item *SyncFileItem
}

func NewLocalRenameJob(p *Propagator, item *SyncFileItem) *LocalRenameJob {
	return &LocalRenameJob{p: p, item: item}
}

func (j *LocalRenameJob) Item() *SyncFileItem { return j.item }

// Parallelism is exclusive for directories: the subtree rewrite must not
// interleave with jobs reading the rows it moves.
func (j *LocalRenameJob) Parallelism() Parallelism {
	if j.item.IsDirectory {
		return WaitForFinished
	}
	return FullParallelism
}

func (j *LocalRenameJob) Start(ctx context.Context, rt *JobRuntime) {
	p, item := j.p, j.item
	if p.AbortRequested() {
		rt.Finish(StatusSoftError, "propagation aborted")
		return
	}

	// An ancestor directory may already have been renamed during this
	// run; the file then lives, and is journaled, under the adjusted
	// path. The original path still existing on disk tells the cases
	// apart.
	previousNameInDb := p.AdjustRenamedPath(item.File)
	existingFile := p.FullLocalPath(previousNameInDb)
	targetFile := p.FullLocalPath(item.RenameTarget)
	fileAlreadyMoved := !localfs.FileExists(p.fs, p.FullLocalPath(item.OriginalFile))

	if item.File != item.RenameTarget {
		p.ReportProgress(item, 0)

		// A case-only rename is the rename itself, not a clash.
		if !strings.EqualFold(item.File, item.RenameTarget) && p.LocalFileNameClash(item.RenameTarget) {
			rt.Finish(StatusNormalError, fmt.Sprintf("File %s cannot be renamed to %s because of a local file name clash", item.File, item.RenameTarget))
			return
		}
		if err := localfs.Rename(p.fs, existingFile, targetFile); err != nil {
			rt.Finish(StatusNormalError, err.Error())
			return
		}
	}

	dbKey := item.OriginalFile
	if fileAlreadyMoved {
		dbKey = previousNameInDb
	}
	oldRecord, err := p.journal.GetFileRecord(ctx, dbKey)
	if err != nil || !oldRecord.IsValid() {
		rt.Finish(StatusNormalError, fmt.Sprintf("could not get file %s from local DB", item.OriginalFile))
		return
	}

	if fileAlreadyMoved {
		if err := p.journal.DeleteFileRecord(ctx, previousNameInDb, false); err != nil {
			rt.Finish(StatusNormalError, fmt.Sprintf("Could not delete file record %s from local DB", previousNameInDb))
			return
		}
	}
	if err := p.journal.DeleteFileRecord(ctx, item.OriginalFile, false); err != nil {
		rt.Finish(StatusNormalError, fmt.Sprintf("Could not delete file record %s from local DB", item.OriginalFile))
		return
	}

	pinState, pinErr := p.journal.PinState(ctx, item.OriginalFile)
	if err := p.journal.SetPinState(ctx, item.OriginalFile, journal.PinStateInherited); err != nil {
		p.log.Warn(ctx, "could not reset pin state", "path", item.OriginalFile, "err", err)
	}

	if !item.IsDirectory {
		renamed := *item
		renamed.ChecksumHeader = oldRecord.ChecksumHeader
		result, err := p.UpdateMetadata(ctx, &renamed)
		if err != nil {
			rt.Finish(StatusFatalError, fmt.Sprintf("Error updating metadata: %s", err))
			return
		}
		if result == PlaceholderLocked {
			rt.Finish(StatusSoftError, fmt.Sprintf("The file %s is currently in use", renamed.File))
			return
		}
	} else {
		// The directory's own row is written by finalization once the
		// subtree is clean; until then the journal only knows the moved
		// children.
		if status, message := j.renameHierarchy(ctx); status != StatusNone {
			rt.Finish(status, message)
			return
		}
		p.AddRenamedDirectory(item.File, item.RenameTarget)
	}

	if pinErr == nil && pinState != journal.PinStateInherited {
		if err := p.journal.SetPinState(ctx, item.RenameTarget, pinState); err != nil {
			rt.Finish(StatusNormalError, "Error setting pin state")
			return
		}
	}

	if err := p.journal.Commit(ctx, "localRename"); err != nil {
		p.log.Error(ctx, "journal commit failed", "label", "localRename", "err", err)
	}
	rt.Finish(StatusSuccess, "")
}

// renameHierarchy rewrites every journal row strictly below the old
// directory path onto the new prefix. Rows are collected first so the walk
// never observes its own writes. Returns StatusNone once every row moved.
func (j *LocalRenameJob) renameHierarchy(ctx context.Context) (Status, string) {
	p, item := j.p, j.item

	var below []journal.FileRecord
	if _, err := p.journal.GetFilesBelowPath(ctx, item.File, func(rec *journal.FileRecord) error {
		below = append(below, *rec)
		return nil
	}); err != nil {
		return StatusFatalError, "Failed to propagate directory rename in hierarchy"
	}

	for i := range below {
		rec := below[i]
		newPath := item.RenameTarget + strings.TrimPrefix(rec.Path, item.File)
		if newPath == rec.Path {
			continue
		}
		if err := p.journal.DeleteFileRecord(ctx, rec.Path, false); err != nil {
			return StatusNormalError, fmt.Sprintf("Could not delete file record %s from local DB", rec.Path)
		}
		moved := NewItemFromRecord(&rec)
		moved.File = newPath
		if _, err := p.UpdateMetadata(ctx, moved); err != nil {
			return StatusFatalError, fmt.Sprintf("Error updating metadata: %s", err)
		}
	}
	return StatusNone, ""
}
