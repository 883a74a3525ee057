package propagator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dmarkhas/vaultsync/internal/localfs"
)

// LocalRemoveJob deletes a local file or directory the server no longer has.
// Directory removal records every entry it actually deleted so the journal
// can be pruned to match the disk even when the removal fails partway.
type LocalRemoveJob struct {
	p    *Propagator
	item *SyncFileItem
}

func NewLocalRemoveJob(p *Propagator, item *SyncFileItem) *LocalRemoveJob {
	return &LocalRemoveJob{p: p, item: item}
}

func (j *LocalRemoveJob) Item() *SyncFileItem { return j.item }

func (j *LocalRemoveJob) Parallelism() Parallelism { return FullParallelism }

func (j *LocalRemoveJob) Start(ctx context.Context, rt *JobRuntime) {
	p, item := j.p, j.item
	if p.AbortRequested() {
		rt.Finish(StatusSoftError, "propagation aborted")
		return
	}

	fullPath := p.FullLocalPath(item.File)
	if p.LocalFileNameClash(item.File) {
		rt.Finish(StatusNormalError, fmt.Sprintf("Could not remove %s because of a local file name clash", fullPath))
		return
	}
	switch {
	case p.opts.MoveToTrash:
		if localfs.FileExists(p.fs, fullPath) {
			trashRoot := p.opts.TrashRoot
			if trashRoot == "" {
				root, err := localfs.DefaultTrashRoot()
				if err != nil {
					rt.Finish(StatusNormalError, err.Error())
					return
				}
				trashRoot = root
			}
			if err := localfs.MoveToTrash(p.fs, fullPath, trashRoot); err != nil {
				rt.Finish(StatusNormalError, err.Error())
				return
			}
		}
	case item.IsDirectory:
		if localfs.IsDir(p.fs, fullPath) {
			if err := j.removeRecursively(ctx, fullPath); err != nil {
				rt.Finish(StatusNormalError, err.Error())
				return
			}
		}
	default:
		if localfs.FileExists(p.fs, fullPath) {
			if err := localfs.Remove(p.fs, fullPath); err != nil {
				rt.Finish(StatusNormalError, err.Error())
				return
			}
		}
	}

	p.ReportProgress(item, 0)
	if err := p.journal.DeleteFileRecord(ctx, item.OriginalFile, item.IsDirectory); err != nil {
		// A stale row only means the next run re-discovers the removal.
		p.log.Warn(ctx, "could not prune journal row", "path", item.OriginalFile, "err", err)
	}
	if err := p.journal.Commit(ctx, "Local remove"); err != nil {
		p.log.Error(ctx, "journal commit failed", "label", "Local remove", "err", err)
	}
	rt.Finish(StatusSuccess, "")
}

// removeRecursively deletes the directory tree under fullPath. On partial
// failure it prunes the journal rows of exactly the entries that were
// deleted; entries below an already-pruned directory are covered by that
// directory's recursive delete and skipped.
func (j *LocalRemoveJob) removeRecursively(ctx context.Context, fullPath string) error {
	type deletedEntry struct {
		path  string
		isDir bool
	}
	var deleted []deletedEntry
	err := localfs.RemoveRecursively(j.p.fs, fullPath, func(path string, isDir bool) {
		deleted = append(deleted, deletedEntry{path: path, isDir: isDir})
	})
	if err == nil {
		return nil
	}

	sort.Slice(deleted, func(a, b int) bool { return deleted[a].path < deleted[b].path })
	prunedDir := ""
	for _, d := range deleted {
		rel := j.p.RelativeLocalPath(d.path)
		if prunedDir != "" && strings.HasPrefix(rel, prunedDir+"/") {
			continue
		}
		if dbErr := j.p.journal.DeleteFileRecord(ctx, rel, d.isDir); dbErr != nil {
			j.p.log.Warn(ctx, "journal prune failed after partial remove", "path", rel, "err", dbErr)
			continue
		}
		if d.isDir {
			prunedDir = rel
		}
	}
	if dbErr := j.p.journal.Commit(ctx, "Local remove"); dbErr != nil {
		j.p.log.Error(ctx, "journal commit failed", "label", "Local remove", "err", dbErr)
	}
	return err
}
