package propagator

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMkdirCreatesDirectoryAndRecord(t *testing.T) {
	fx := newFixture(t, Options{})

	item := &SyncFileItem{
		File: "albums", OriginalFile: "albums",
		Instruction: InstructionNew, IsDirectory: true,
		FileID: "5", Etag: "e1",
	}
	require.NoError(t, fx.p.Run(context.Background(), []*SyncFileItem{item}))

	assert.Equal(t, StatusSuccess, item.Status)
	assert.True(t, fx.exists("albums"))
	rec := fx.record(t, "albums")
	require.True(t, rec.IsValid())
	assert.True(t, rec.IsDirectory)
	assert.Equal(t, "e1", rec.ETag)
	assert.Contains(t, fx.jrn.CommitLabels(), "localMkdir")
}

func TestLocalMkdirConflictRenamesExistingFile(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.writeFile(t, "shared", "i was here first")

	item := &SyncFileItem{
		File: "shared", OriginalFile: "shared",
		Instruction: InstructionConflict, IsDirectory: true,
		Etag:    "e1",
		Modtime: time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC),
	}
	require.NoError(t, fx.p.Run(context.Background(), []*SyncFileItem{item}))

	assert.Equal(t, StatusConflict, item.Status)
	ok, err := afero.IsDir(fx.fs, fx.p.FullLocalPath("shared"))
	require.NoError(t, err)
	assert.True(t, ok, "the path is a directory now")

	moved := "shared (conflicted copy alice 20250301-101500)"
	content, err := afero.ReadFile(fx.fs, fx.p.FullLocalPath(moved))
	require.NoError(t, err)
	assert.Equal(t, "i was here first", string(content))
}

func TestLocalMkdirDeleteExistingFile(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.writeFile(t, "shared", "stale placeholder")

	item := &SyncFileItem{
		File: "shared", OriginalFile: "shared",
		Instruction: InstructionNew, IsDirectory: true, Etag: "e1",
	}
	job := NewLocalMkdirJob(fx.p, item)
	job.DeleteExistingFile = true
	require.Equal(t, WaitForFinished, job.Parallelism())

	require.NoError(t, runJob(t, fx.p, job))

	assert.Equal(t, StatusSuccess, item.Status)
	ok, err := afero.IsDir(fx.fs, fx.p.FullLocalPath("shared"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, fx.exists("shared (conflicted copy alice 20250301-101500)"), "deleted, not conflict-renamed")
}

func TestLocalMkdirCaseClash(t *testing.T) {
	fx := newFixture(t, Options{CasePreservingFS: true})
	fx.mkdir(t, "Albums")

	item := &SyncFileItem{
		File: "albums", OriginalFile: "albums",
		Instruction: InstructionNew, IsDirectory: true, Etag: "e1",
	}
	require.NoError(t, fx.p.Run(context.Background(), []*SyncFileItem{item}))

	assert.Equal(t, StatusNormalError, item.Status)
	assert.Equal(t, "Attention, possible case sensitivity clash with /sync/albums", item.ErrorString)
}

func TestLocalMkdirPlaceholderLocked(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.p.Placeholder = func(*SyncFileItem) PlaceholderResult { return PlaceholderLocked }

	item := &SyncFileItem{
		File: "busy", OriginalFile: "busy",
		Instruction: InstructionNew, IsDirectory: true, Etag: "e1",
	}
	require.NoError(t, fx.p.Run(context.Background(), []*SyncFileItem{item}))

	assert.Equal(t, StatusSoftError, item.Status)
	assert.Equal(t, "The file busy is currently in use", item.ErrorString)
}
