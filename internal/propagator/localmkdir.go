package propagator

import (
	"context"
	"fmt"

	"github.com/dmarkhas/vaultsync/internal/localfs"
)

// LocalMkdirJob creates a local directory for a remote one. When the path is
// currently a plain file the file is either deleted or renamed to a conflict
// copy first. The journal row is written with a provisional etag; the real
// one lands once every child has propagated.
type LocalMkdirJob struct {
	p    *Propagator
	item *SyncFileItem

	// DeleteExistingFile removes a pre-existing file at the target instead
	// of conflict-renaming it.
	DeleteExistingFile bool
}

func NewLocalMkdirJob(p *Propagator, item *SyncFileItem) *LocalMkdirJob {
	return &LocalMkdirJob{p: p, item: item}
}

func (j *LocalMkdirJob) Item() *SyncFileItem { return j.item }

// Parallelism is exclusive when the job converts a file into a directory,
// so no sibling races the shared filesystem state change.
func (j *LocalMkdirJob) Parallelism() Parallelism {
	if j.DeleteExistingFile || j.item.Instruction == InstructionConflict {
		return WaitForFinished
	}
	return FullParallelism
}

func (j *LocalMkdirJob) Start(ctx context.Context, rt *JobRuntime) {
	p, item := j.p, j.item
	if p.AbortRequested() {
		rt.Finish(StatusSoftError, "propagation aborted")
		return
	}

	fullPath := p.FullLocalPath(item.File)
	if localfs.FileExists(p.fs, fullPath) && !localfs.IsDir(p.fs, fullPath) {
		switch {
		case j.DeleteExistingFile:
			if err := localfs.Remove(p.fs, fullPath); err != nil {
				rt.Finish(StatusNormalError, fmt.Sprintf("could not delete file %s, error: %s", fullPath, err))
				return
			}
		case item.Instruction == InstructionConflict:
			if err := p.CreateConflict(item); err != nil {
				rt.Finish(StatusSoftError, err.Error())
				return
			}
		}
	}

	if p.LocalFileNameClash(item.File) {
		rt.Finish(StatusNormalError, fmt.Sprintf("Attention, possible case sensitivity clash with %s", fullPath))
		return
	}

	if err := p.fs.MkdirAll(fullPath, 0o755); err != nil {
		rt.Finish(StatusNormalError, fmt.Sprintf("Could not create folder %s", fullPath))
		return
	}

	// The row goes in with a sentinel etag so an aborted run still knows
	// the directory exists; the real etag is written when the subtree
	// finishes.
	provisional := *item
	provisional.Etag = provisionalEtag
	result, err := p.UpdateMetadata(ctx, &provisional)
	if err != nil {
		rt.Finish(StatusFatalError, fmt.Sprintf("Error updating metadata: %s", err))
		return
	}
	if result == PlaceholderLocked {
		rt.Finish(StatusSoftError, fmt.Sprintf("The file %s is currently in use", item.File))
		return
	}
	if err := p.journal.Commit(ctx, "localMkdir"); err != nil {
		p.log.Error(ctx, "journal commit failed", "label", "localMkdir", "err", err)
	}

	if item.Instruction == InstructionConflict {
		rt.Finish(StatusConflict, "")
		return
	}
	rt.Finish(StatusSuccess, "")
}
