package propagator

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/e2ee"
	"github.com/dmarkhas/vaultsync/internal/journal"
	"github.com/dmarkhas/vaultsync/internal/keychain"
	"github.com/dmarkhas/vaultsync/internal/localfs"
	"github.com/dmarkhas/vaultsync/internal/logging"
	"github.com/dmarkhas/vaultsync/internal/remote"
)

// provisionalEtag marks a journal row written before the subtree finished
// propagating. Directory finalization replaces it with the real etag; a row
// still carrying it forces re-discovery on the next run.
const provisionalEtag = "_invalid_"

// Options tune a propagation run.
type Options struct {
	// MaxParallel bounds concurrently running jobs. Values below 1 mean 1.
	MaxParallel int
	// MoveToTrash diverts local removals into the trash instead of
	// deleting.
	MoveToTrash bool
	// TrashRoot overrides the trash location; empty selects the user's.
	TrashRoot string
	// CasePreservingFS enables the case-insensitive name-clash probe.
	CasePreservingFS bool
}

// PlaceholderResult is the outcome of converting a propagated item into its
// virtual-file placeholder form while updating its journal row.
type PlaceholderResult int

const (
	PlaceholderOK PlaceholderResult = iota
	// PlaceholderLocked means the file is held open by another process.
	PlaceholderLocked
	PlaceholderError
)

// Propagator carries everything jobs need: the account, the journal, the
// server client, the keychain, the local filesystem and the run state shared
// between jobs.
type Propagator struct {
	acc      *account.Account
	journal  journal.Journal
	client   remote.Client
	keys     keychain.Keychain
	fs       afero.Fs
	resolver *e2ee.KeyResolver
	log      logging.Logger

	localRoot string
	opts      Options

	aborted atomic.Bool

	// Placeholder hooks the virtual-file layer into UpdateMetadata. Nil
	// means no virtual files; conversion always reports PlaceholderOK.
	Placeholder func(item *SyncFileItem) PlaceholderResult
	// Progress, when set, receives per-item progress reports.
	Progress func(item *SyncFileItem, bytes int64)
	// ItemCompleted, when set, is invoked once per item with its terminal
	// status.
	ItemCompleted func(item *SyncFileItem)

	mu      sync.Mutex
	renames []renamedDirectory
}

// renamedDirectory is one entry of the ordered rename log consulted by
// AdjustRenamedPath.
type renamedDirectory struct {
	oldPath string
	newPath string
}

// New builds a Propagator over the local sync root. fs is the filesystem the
// jobs mutate; production passes afero.NewOsFs().
func New(acc *account.Account, jrn journal.Journal, client remote.Client, keys keychain.Keychain, fsys afero.Fs, localRoot string, opts Options, log logging.Logger) *Propagator {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Propagator{
		acc:       acc,
		journal:   jrn,
		client:    client,
		keys:      keys,
		fs:        fsys,
		resolver:  e2ee.NewKeyResolver(acc, client, log),
		log:       log.With("component", "propagator"),
		localRoot: strings.TrimRight(localRoot, "/"),
		opts:      opts,
	}
}

// Abort asks the run to stop: no new jobs are admitted, running ones finish
// naturally.
func (p *Propagator) Abort() { p.aborted.Store(true) }

// AbortRequested reports whether Abort was called. Jobs check it at entry.
func (p *Propagator) AbortRequested() bool { return p.aborted.Load() }

// FullLocalPath maps a sync-root-relative path onto the local filesystem.
func (p *Propagator) FullLocalPath(relative string) string {
	return filepath.Join(p.localRoot, filepath.FromSlash(relative))
}

// RelativeLocalPath is the inverse of FullLocalPath: it maps a local
// filesystem path back to the slash-separated sync-root-relative form the
// journal is keyed by.
func (p *Propagator) RelativeLocalPath(full string) string {
	rel := strings.TrimPrefix(filepath.ToSlash(full), filepath.ToSlash(p.localRoot))
	return strings.TrimPrefix(rel, "/")
}

// LocalFileNameClash reports whether creating relative would collide with an
// existing sibling that differs only in case. Always false unless the run is
// configured for a case-preserving filesystem.
func (p *Propagator) LocalFileNameClash(relative string) bool {
	if !p.opts.CasePreservingFS || relative == "" {
		return false
	}
	clash, with, err := localfs.CaseClash(p.fs, p.FullLocalPath(relative))
	if err != nil {
		p.log.Warn(context.Background(), "name clash probe failed", "path", relative, "err", err)
		return false
	}
	if clash {
		p.log.Warn(context.Background(), "local file name clash", "path", relative, "with", with)
	}
	return clash
}

// UpdateMetadata writes the item's journal row and converts the local file
// into its placeholder form. The row is written even when conversion reports
// the file locked; the caller decides how to surface that.
func (p *Propagator) UpdateMetadata(ctx context.Context, item *SyncFileItem) (PlaceholderResult, error) {
	if err := p.journal.SetFileRecord(ctx, item.Record()); err != nil {
		return PlaceholderError, fmt.Errorf("set file record %s: %w", item.Destination(), err)
	}
	if p.Placeholder != nil {
		return p.Placeholder(item), nil
	}
	return PlaceholderOK, nil
}

// CreateConflict renames the local loser of a conflict out of the way so the
// remote version can take its place. The conflict name carries the user and
// the file's modification time.
func (p *Propagator) CreateConflict(item *SyncFileItem) error {
	fullPath := p.FullLocalPath(item.File)
	tag := p.acc.UserID + " " + item.Modtime.Format("20060102-150405")
	conflictName := ConflictFileName(path.Base(item.File), tag)
	conflictPath := filepath.Join(filepath.Dir(fullPath), conflictName)

	if err := localfs.Rename(p.fs, fullPath, conflictPath); err != nil {
		return fmt.Errorf("create conflict copy of %s: %w", item.File, err)
	}
	p.log.Info(context.Background(), "conflict copy created", "path", item.File, "copy", conflictName)
	return nil
}

// ConflictFileName inserts the conflict marker before the file extension:
// "photo.jpg" becomes "photo (conflicted copy <tag>).jpg".
func ConflictFileName(name, tag string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (conflicted copy %s)%s", base, tag, ext)
}

// ReportProgress forwards a per-item progress report to the registered
// callback.
func (p *Propagator) ReportProgress(item *SyncFileItem, bytes int64) {
	if p.Progress != nil {
		p.Progress(item, bytes)
	}
}

func (p *Propagator) itemFinished(item *SyncFileItem) {
	if p.ItemCompleted != nil {
		p.ItemCompleted(item)
	}
}

// AddRenamedDirectory records that oldPath was propagated to newPath so
// later jobs can adjust origins that still mention the old name.
func (p *Propagator) AddRenamedDirectory(oldPath, newPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renames = append(p.renames, renamedDirectory{oldPath: oldPath, newPath: newPath})
}

// RenamedDirectory returns the recorded target of a directory rename, if
// any.
func (p *Propagator) RenamedDirectory(oldPath string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.renames {
		if r.oldPath == oldPath {
			return r.newPath, true
		}
	}
	return "", false
}

// AdjustRenamedPath rewrites original if one of its ancestor directories was
// already renamed during this run. The longest renamed ancestor wins; the
// path itself is never rewritten, only its directory part.
func (p *Propagator) AdjustRenamedPath(original string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	slashPos := len(original)
	for {
		slashPos = strings.LastIndex(original[:slashPos], "/")
		if slashPos <= 0 {
			return original
		}
		prefix := original[:slashPos]
		for _, r := range p.renames {
			if r.oldPath == prefix {
				return r.newPath + original[slashPos:]
			}
		}
	}
}
