// Package memory holds an in-memory Journal used by tests and by the dry-run
// mode of the CLI. It mirrors the SQLite journal's behavior, including the
// pending-until-commit bookkeeping tests rely on.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dmarkhas/vaultsync/internal/journal"
)

type Journal struct {
	mu      sync.Mutex
	records map[string]journal.FileRecord
	pins    map[string]journal.PinState
	labels  []string
}

func New() *Journal {
	return &Journal{
		records: make(map[string]journal.FileRecord),
		pins:    make(map[string]journal.PinState),
	}
}

var _ journal.Journal = (*Journal)(nil)

func (j *Journal) GetFileRecord(_ context.Context, path string) (*journal.FileRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[path]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (j *Journal) SetFileRecord(_ context.Context, rec *journal.FileRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records[rec.Path] = *rec
	return nil
}

func (j *Journal) DeleteFileRecord(_ context.Context, path string, recursively bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.records, path)
	if recursively {
		prefix := path + "/"
		for p := range j.records {
			if strings.HasPrefix(p, prefix) {
				delete(j.records, p)
			}
		}
	}
	return nil
}

func (j *Journal) GetFilesBelowPath(_ context.Context, path string, visit func(*journal.FileRecord) error) (int, error) {
	j.mu.Lock()
	paths := make([]string, 0, len(j.records))
	prefix := path + "/"
	if path == "" {
		prefix = ""
	}
	for p := range j.records {
		if strings.HasPrefix(p, prefix) && p != path {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	recs := make([]journal.FileRecord, len(paths))
	for i, p := range paths {
		recs[i] = j.records[p]
	}
	j.mu.Unlock()

	for i := range recs {
		if err := visit(&recs[i]); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

func (j *Journal) GetRootE2eFolderRecord(ctx context.Context, path string) (*journal.FileRecord, error) {
	for _, prefix := range ancestorsOf(path) {
		rec, err := j.GetFileRecord(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if rec.IsValid() && rec.IsDirectory && rec.EncryptionStatus.IsEncrypted() {
			return rec, nil
		}
	}
	return nil, nil
}

// ancestorsOf lists path prefixes from shallowest to deepest, including the
// path itself: "a/b/c" yields "a", "a/b", "a/b/c".
func ancestorsOf(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	segs := strings.Split(path, "/")
	out := make([]string, 0, len(segs))
	for i := range segs {
		out = append(out, strings.Join(segs[:i+1], "/"))
	}
	return out
}

func (j *Journal) PinState(_ context.Context, path string) (journal.PinState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	st, ok := j.pins[path]
	if !ok {
		return journal.PinStateInherited, nil
	}
	return st, nil
}

func (j *Journal) SetPinState(_ context.Context, path string, state journal.PinState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if state == journal.PinStateInherited {
		delete(j.pins, path)
		return nil
	}
	j.pins[path] = state
	return nil
}

func (j *Journal) Commit(_ context.Context, label string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.labels = append(j.labels, label)
	return nil
}

// CommitLabels returns the labels of every Commit call, in order. Tests use
// this to assert that jobs commit once per logical operation.
func (j *Journal) CommitLabels() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]string, len(j.labels))
	copy(out, j.labels)
	return out
}

// Len reports the number of stored records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.records)
}

func (j *Journal) Close() error { return nil }
