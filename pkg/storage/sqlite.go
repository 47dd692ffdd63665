package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/ids"
)

// Querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
// Repository methods accept it so they run unchanged inside or outside a
// transaction.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// DB is the embedded relational store. It holds a single connection so
// every statement, read or write, is serialized at the storage layer;
// WAL keeps the file consistent across crashes.
type DB struct {
	*sqlx.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// connection pragmas: WAL journaling, foreign keys ON, busy timeout 5s.
// Transactions start in immediate mode so writers queue instead of
// failing midway.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// One connection: the pragmas above are per-connection, and a single
	// writer is the storage contract.
	db.SetMaxOpenConns(1)

	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Health verifies the connection is usable
func (db *DB) Health(ctx context.Context) error {
	var one int
	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise; a rollback never masks fn's
// error. Busy/locked commits are retried once.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	err := db.runTx(ctx, fn)
	if err != nil && IsBusy(err) {
		err = db.runTx(ctx, fn)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return &errdefs.DatabaseError{Op: "begin", CorrelationID: ids.NewCorrelationID(), Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return &errdefs.DatabaseError{Op: "commit", CorrelationID: ids.NewCorrelationID(), Err: err}
	}
	return nil
}

// IsBusy reports whether err is a SQLite busy/locked condition
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
// Callers racing on partial unique indexes use this to detect the loss.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
