// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package trackerdb owns the tracker's single SQLite file: schema, pragmas,
// transactions and the savepoint discipline used by the projection layer.
package trackerdb

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const pragmas = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000&_foreign_keys=on"

type DB struct {
	path string
	db   *sql.DB

	// pinned keeps a memory-backed db alive; nil for file-backed ones.
	pinned *sql.Conn

	stmts *stmtCache
}

// Open creates or opens the tracker database at the given path.
func Open(path string) (tdb *DB, err error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, pragmas))
	if err != nil {
		return nil, err
	}
	defer func() {
		if tdb == nil {
			db.Close()
		}
	}()
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.WithMessage(err, "apply schema")
	}
	return &DB{path: path, db: db, stmts: newStmtCache(db)}, nil
}

var memSeq atomic.Uint64

// OpenMem creates a fresh in-memory database, shared across connections for
// the lifetime of the returned handle.
func OpenMem() (*DB, error) {
	name := fmt.Sprintf("slt-mem-%d", memSeq.Add(1))
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, pragmas))
	if err != nil {
		return nil, err
	}
	// the memory db is dropped once its last connection closes
	pinned, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		pinned.Close()
		db.Close()
		return nil, errors.WithMessage(err, "apply schema")
	}
	return &DB{path: name, db: db, pinned: pinned, stmts: newStmtCache(db)}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.stmts.Clear()
	if d.pinned != nil {
		d.pinned.Close()
	}
	return d.db.Close()
}

// Path returns the database file path (or the memory db name).
func (d *DB) Path() string { return d.path }

// SQL exposes the underlying handle for read-side queries.
func (d *DB) SQL() *sql.DB { return d.db }

// Stmt returns a cached prepared statement for the query.
func (d *DB) Stmt(query string) (*sql.Stmt, error) { return d.stmts.Prepare(query) }

// InTx runs proc inside a transaction, committing on nil and rolling back on
// error.
func (d *DB) InTx(ctx context.Context, proc func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := proc(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Savepoint runs fn inside a named savepoint on tx. On error only the
// savepoint is rolled back; the outer transaction stays usable. The caller
// classifies the returned error.
func Savepoint(tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.Exec("SAVEPOINT " + name); err != nil {
		return errors.WithMessage(err, "open savepoint")
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.Exec("ROLLBACK TO " + name); rbErr != nil {
			return errors.WithMessage(rbErr, "rollback savepoint")
		}
		if _, relErr := tx.Exec("RELEASE " + name); relErr != nil {
			return errors.WithMessage(relErr, "release savepoint")
		}
		return err
	}
	_, err := tx.Exec("RELEASE " + name)
	return err
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint
// failure, the expected shape of a lost projection race.
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !stderrors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint &&
		(serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// IsBusy reports whether err means the database (or a shared-cache table) is
// momentarily locked by another writer. In WAL mode a deferred transaction
// whose snapshot went stale fails this way instead of waiting; the caller
// retries the whole transaction.
func IsBusy(err error) bool {
	var serr sqlite3.Error
	if !stderrors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
}

// IsConstraint reports whether err is any constraint failure.
func IsConstraint(err error) bool {
	var serr sqlite3.Error
	if !stderrors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint
}
