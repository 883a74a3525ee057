// Package localfs wraps the local-disk operations propagation jobs perform:
// recursive removal with per-entry reporting, move-to-trash, renames and the
// case-insensitivity probe. Everything goes through afero.Fs so tests run on
// an in-memory filesystem.
package localfs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// FileExists reports whether path exists, treating probe errors as absence.
func FileExists(fsys afero.Fs, path string) bool {
	ok, err := afero.Exists(fsys, path)
	return err == nil && ok
}

// IsDir reports whether path exists and is a directory.
func IsDir(fsys afero.Fs, path string) bool {
	fi, err := fsys.Stat(path)
	return err == nil && fi.IsDir()
}

// Remove deletes a single file or empty directory.
func Remove(fsys afero.Fs, path string) error {
	if err := fsys.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Rename moves old to new. Case-only renames are allowed on case-preserving
// filesystems; afero passes them through to the OS.
func Rename(fsys afero.Fs, oldPath, newPath string) error {
	if err := fsys.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// RemoveRecursively deletes the directory path and everything below it,
// depth first.
// onDeleted is invoked once per entry that was actually removed, so a caller
// keeping a database in step with the disk can prune exactly the rows whose
// files are gone even when the walk fails partway. Entries that cannot be
// removed are kept and their errors joined into the returned error; the walk
// continues past them.
func RemoveRecursively(fsys afero.Fs, path string, onDeleted func(path string, isDir bool)) error {
	entries, err := afero.ReadDir(fsys, path)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", path, err)
	}

	var errs []error
	for _, entry := range entries {
		child := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			if err := RemoveRecursively(fsys, child, onDeleted); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := fsys.Remove(child); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", child, err))
			continue
		}
		if onDeleted != nil {
			onDeleted(child, false)
		}
	}

	// The directory itself goes last; it only works once all children are
	// gone, which is exactly the signal the journal pruning needs.
	if err := fsys.Remove(path); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		return errors.Join(errs...)
	}
	if onDeleted != nil {
		onDeleted(path, true)
	}
	return errors.Join(errs...)
}

// CaseClash reports whether the parent directory of path holds an entry whose
// name matches path's base name case-insensitively but not byte for byte. On
// case-preserving filesystems such a sibling would collide with the name the
// server wants to create.
func CaseClash(fsys afero.Fs, path string) (bool, string, error) {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := afero.ReadDir(fsys, parent)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("read dir %s: %w", parent, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name != base && strings.EqualFold(name, base) {
			return true, filepath.Join(parent, name), nil
		}
	}
	return false, "", nil
}

const (
	trashFilesDir = "files"
	trashInfoDir  = "info"
)

// DefaultTrashRoot returns the freedesktop trash directory for the current
// user ($XDG_DATA_HOME/Trash, falling back to ~/.local/share/Trash).
func DefaultTrashRoot() (string, error) {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "Trash"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "Trash"), nil
}

// MoveToTrash moves path into the freedesktop trash layout under trashRoot:
// the entry lands in files/ under a unique name and a matching .trashinfo
// file records its origin, so desktop environments can restore it. The move
// is a rename; crossing filesystems is not supported and returns the rename
// error.
func MoveToTrash(fsys afero.Fs, path, trashRoot string) error {
	filesDir := filepath.Join(trashRoot, trashFilesDir)
	infoDir := filepath.Join(trashRoot, trashInfoDir)
	if err := fsys.MkdirAll(filesDir, 0o700); err != nil {
		return fmt.Errorf("create trash dir %s: %w", filesDir, err)
	}
	if err := fsys.MkdirAll(infoDir, 0o700); err != nil {
		return fmt.Errorf("create trash dir %s: %w", infoDir, err)
	}

	name := filepath.Base(path)
	target := filepath.Join(filesDir, name)
	for n := 1; FileExists(fsys, target) || FileExists(fsys, trashInfoPath(infoDir, filepath.Base(target))); n++ {
		target = filepath.Join(filesDir, fmt.Sprintf("%s.%d", name, n))
	}

	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		url.PathEscape(path), time.Now().Format("2006-01-02T15:04:05"))
	if err := afero.WriteFile(fsys, trashInfoPath(infoDir, filepath.Base(target)), []byte(info), 0o600); err != nil {
		return fmt.Errorf("write trash info for %s: %w", path, err)
	}
	if err := fsys.Rename(path, target); err != nil {
		_ = fsys.Remove(trashInfoPath(infoDir, filepath.Base(target)))
		return fmt.Errorf("move %s to trash: %w", path, err)
	}
	return nil
}

func trashInfoPath(infoDir, name string) string {
	return filepath.Join(infoDir, name+".trashinfo")
}

// ListDir returns the sorted names of the entries in dir. Used by tests and
// by the conflict-name probe.
func ListDir(fsys afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
