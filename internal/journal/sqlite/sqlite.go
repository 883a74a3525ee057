// Package sqlite implements the Journal on an embedded SQLite database.
// Writes batch into a pending transaction committed per logical operation;
// reads go through the same handle so jobs observe their own pending rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/dmarkhas/vaultsync/internal/dbx"
	"github.com/dmarkhas/vaultsync/internal/e2ee"
	"github.com/dmarkhas/vaultsync/internal/journal"
	"github.com/dmarkhas/vaultsync/internal/journal/sqlite/migrations"
	"github.com/dmarkhas/vaultsync/internal/logging"
)

type Journal struct {
	db     *sql.DB
	keeper *dbx.TxKeeper
	mu     sync.Mutex
	log    logging.Logger
}

var _ journal.Journal = (*Journal)(nil)

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if necessary) the journal database at dsn and applies
// migrations.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite serializes writers; a single connection avoids cross-connection
	// lock errors with the pending transaction.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	if log == nil {
		log = logging.NewNop()
	}
	return &Journal{db: db, keeper: dbx.NewTxKeeper(db), log: log}, nil
}

const recordColumns = `path, file_id, etag, modtime, is_directory, size, checksum_header, encryption_status, e2e_mangled_name`

func scanRecord(row interface{ Scan(...any) error }) (*journal.FileRecord, error) {
	var rec journal.FileRecord
	var modtime int64
	var isDir, encStatus int
	err := row.Scan(&rec.Path, &rec.FileID, &rec.ETag, &modtime, &isDir, &rec.Size, &rec.ChecksumHeader, &encStatus, &rec.E2eMangledName)
	if err != nil {
		return nil, err
	}
	if modtime != 0 {
		rec.Modtime = time.Unix(modtime, 0).UTC()
	}
	rec.IsDirectory = isDir != 0
	rec.EncryptionStatus = e2ee.EncryptionStatus(encStatus)
	return &rec, nil
}

func (j *Journal) GetFileRecord(ctx context.Context, path string) (*journal.FileRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.getFileRecordLocked(ctx, path)
}

func (j *Journal) getFileRecordLocked(ctx context.Context, path string) (*journal.FileRecord, error) {
	row := j.keeper.Handle().QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM metadata WHERE path = ?`, path)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file record %q: %w", path, err)
	}
	return rec, nil
}

func (j *Journal) SetFileRecord(ctx context.Context, rec *journal.FileRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	w, err := j.keeper.Write(ctx)
	if err != nil {
		return fmt.Errorf("set file record %q: %w", rec.Path, err)
	}

	var modtime int64
	if !rec.Modtime.IsZero() {
		modtime = rec.Modtime.Unix()
	}
	isDir := 0
	if rec.IsDirectory {
		isDir = 1
	}

	_, err = w.ExecContext(ctx, `
		INSERT INTO metadata (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			file_id = excluded.file_id,
			etag = excluded.etag,
			modtime = excluded.modtime,
			is_directory = excluded.is_directory,
			size = excluded.size,
			checksum_header = excluded.checksum_header,
			encryption_status = excluded.encryption_status,
			e2e_mangled_name = excluded.e2e_mangled_name`,
		rec.Path, rec.FileID, rec.ETag, modtime, isDir, rec.Size, rec.ChecksumHeader, int(rec.EncryptionStatus), rec.E2eMangledName)
	if err != nil {
		return fmt.Errorf("set file record %q: %w", rec.Path, err)
	}
	return nil
}

func (j *Journal) DeleteFileRecord(ctx context.Context, path string, recursively bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	w, err := j.keeper.Write(ctx)
	if err != nil {
		return fmt.Errorf("delete file record %q: %w", path, err)
	}

	if _, err := w.ExecContext(ctx, `DELETE FROM metadata WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete file record %q: %w", path, err)
	}
	if recursively {
		if _, err := w.ExecContext(ctx, `DELETE FROM metadata WHERE path LIKE ? ESCAPE '\'`, likePrefix(path)); err != nil {
			return fmt.Errorf("delete file records below %q: %w", path, err)
		}
	}
	return nil
}

// likePrefix builds a LIKE pattern matching rows strictly below path,
// escaping LIKE metacharacters in the path itself.
func likePrefix(path string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(path)
	return esc + "/%"
}

func (j *Journal) GetFilesBelowPath(ctx context.Context, path string, visit func(*journal.FileRecord) error) (int, error) {
	j.mu.Lock()

	pattern := likePrefix(path)
	query := `SELECT ` + recordColumns + ` FROM metadata WHERE path LIKE ? ESCAPE '\' ORDER BY path`
	args := []any{pattern}
	if path == "" {
		query = `SELECT ` + recordColumns + ` FROM metadata ORDER BY path`
		args = nil
	}

	rows, err := j.keeper.Handle().QueryContext(ctx, query, args...)
	if err != nil {
		j.mu.Unlock()
		return 0, fmt.Errorf("files below %q: %w", path, err)
	}

	var recs []*journal.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			j.mu.Unlock()
			return 0, fmt.Errorf("files below %q: %w", path, err)
		}
		recs = append(recs, rec)
	}
	err = rows.Err()
	_ = rows.Close()
	j.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("files below %q: %w", path, err)
	}

	for i, rec := range recs {
		if err := visit(rec); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

func (j *Journal) GetRootE2eFolderRecord(ctx context.Context, path string) (*journal.FileRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for i := range segs {
		prefix := strings.Join(segs[:i+1], "/")
		rec, err := j.getFileRecordLocked(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if rec.IsValid() && rec.IsDirectory && rec.EncryptionStatus.IsEncrypted() {
			return rec, nil
		}
	}
	return nil, nil
}

func (j *Journal) PinState(ctx context.Context, path string) (journal.PinState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var st int
	err := j.keeper.Handle().QueryRowContext(ctx,
		`SELECT pin_state FROM pinstates WHERE path = ?`, path).Scan(&st)
	if err == sql.ErrNoRows {
		return journal.PinStateInherited, nil
	}
	if err != nil {
		return journal.PinStateInherited, fmt.Errorf("pin state %q: %w", path, err)
	}
	return journal.PinState(st), nil
}

func (j *Journal) SetPinState(ctx context.Context, path string, state journal.PinState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	w, err := j.keeper.Write(ctx)
	if err != nil {
		return fmt.Errorf("set pin state %q: %w", path, err)
	}

	if state == journal.PinStateInherited {
		_, err = w.ExecContext(ctx, `DELETE FROM pinstates WHERE path = ?`, path)
	} else {
		_, err = w.ExecContext(ctx, `
			INSERT INTO pinstates (path, pin_state) VALUES (?, ?)
			ON CONFLICT(path) DO UPDATE SET pin_state = excluded.pin_state`,
			path, int(state))
	}
	if err != nil {
		return fmt.Errorf("set pin state %q: %w", path, err)
	}
	return nil
}

func (j *Journal) Commit(ctx context.Context, label string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.keeper.InTx() {
		return nil
	}
	if err := j.keeper.Commit(); err != nil {
		return fmt.Errorf("journal commit (%s): %w", label, err)
	}
	j.log.Debug(ctx, "journal commit", "label", label)
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_ = j.keeper.Rollback()
	return j.db.Close()
}
