// Package dbx provides tiny DB abstractions shared by the journal layer:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx, and a
// keeper for the long-lived write transaction the sync engine batches its
// journal mutations into.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by journal queries.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxKeeper lazily opens a write transaction on first use and keeps it open
// until Commit or Rollback. Reads through Handle observe pending writes.
// A sync run groups many journal mutations under one logical operation and
// commits them together; the keeper is that grouping.
//
// TxKeeper is not safe for concurrent use; the owner serializes access.
type TxKeeper struct {
	db *sql.DB
	tx *sql.Tx
}

func NewTxKeeper(db *sql.DB) *TxKeeper {
	return &TxKeeper{db: db}
}

// Handle returns the pending transaction when one is open, else the bare DB.
// Read-only callers use this so they see uncommitted journal state.
func (k *TxKeeper) Handle() DBTX {
	if k.tx != nil {
		return k.tx
	}
	return k.db
}

// Write returns a transactional handle, beginning the transaction if needed.
func (k *TxKeeper) Write(ctx context.Context) (DBTX, error) {
	if k.tx == nil {
		tx, err := k.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		k.tx = tx
	}
	return k.tx, nil
}

// InTx reports whether a transaction is pending.
func (k *TxKeeper) InTx() bool { return k.tx != nil }

// Commit commits the pending transaction, if any.
func (k *TxKeeper) Commit() error {
	if k.tx == nil {
		return nil
	}
	err := k.tx.Commit()
	k.tx = nil
	return err
}

// Rollback discards the pending transaction, if any.
func (k *TxKeeper) Rollback() error {
	if k.tx == nil {
		return nil
	}
	err := k.tx.Rollback()
	k.tx = nil
	return err
}
