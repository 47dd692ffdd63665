package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var journalMode string
	require.NoError(t, db.GetContext(ctx, &journalMode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.GetContext(ctx, &foreignKeys, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.GetContext(ctx, &busyTimeout, "PRAGMA busy_timeout"))
	assert.GreaterOrEqual(t, busyTimeout, 5000)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tx.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())
	assert.NoError(t, db.Health(context.Background()))
}

func TestFTS5Available(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		"CREATE VIRTUAL TABLE probe_fts USING fts5(content)")
	require.NoError(t, err, "driver must carry the FTS5 module")

	_, err = db.ExecContext(ctx,
		"INSERT INTO probe_fts(content) VALUES ('claims serialize through one writer')")
	require.NoError(t, err)

	var n int
	require.NoError(t, db.GetContext(ctx, &n,
		"SELECT count(*) FROM probe_fts WHERE probe_fts MATCH 'writer'"))
	assert.Equal(t, 1, n)
}

func TestJSONFunctionsAvailable(t *testing.T) {
	db := openTestDB(t)

	var v string
	require.NoError(t, db.GetContext(context.Background(), &v,
		`SELECT json_extract('{"logCapture":{"stdout":{"state":"captured"}}}', '$.logCapture.stdout.state')`))
	assert.Equal(t, "captured", v)
}

func TestWithTxCommit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('kept')")
		return err
	}))

	var n int
	require.NoError(t, db.GetContext(ctx, &n, "SELECT count(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestWithTxRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('discarded')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.GetContext(ctx, &n, "SELECT count(*) FROM t"))
	assert.Zero(t, n, "rolled back insert must not be visible")
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("constraint failed")))
	assert.True(t, IsBusy(errors.New("SQLITE_BUSY: database is locked")))
	assert.True(t, IsBusy(errors.New("database is locked (5)")))
}
