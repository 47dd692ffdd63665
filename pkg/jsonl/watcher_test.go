package jsonl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/repo"
)

func TestWatcherImportsChangedLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.SetAutoSync(ctx, true))

	w := NewWatcher(f.s, 50*time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeLog(t, f.s.Path(KindTasks), taskUpsertLine(ts0, "t1", "watched"))

	require.Eventually(t, func() bool {
		ok, err := repo.TaskRepo{}.Exists(ctx, f.db, "t1")
		return err == nil && ok
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.SetAutoSync(ctx, true))

	w := NewWatcher(f.s, 100*time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	// A burst of rewrites, each superseding the last. Only the settled
	// file matters.
	writeLog(t, f.s.Path(KindTasks), taskUpsertLine(ts0, "t1", "draft one"))
	writeLog(t, f.s.Path(KindTasks), taskUpsertLine(ts1, "t1", "draft two"))
	writeLog(t, f.s.Path(KindTasks), taskUpsertLine(ts2, "t1", "settled"))

	require.Eventually(t, func() bool {
		task, err := repo.TaskRepo{}.Get(ctx, f.db, "t1")
		return err == nil && task.Title == "settled"
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcherStaysQuietWhenAutoSyncOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := NewWatcher(f.s, 50*time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeLog(t, f.s.Path(KindTasks), taskUpsertLine(ts0, "t1", "ignored"))
	time.Sleep(400 * time.Millisecond)

	ok, err := repo.TaskRepo{}.Exists(ctx, f.db, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.SetAutoSync(ctx, true))

	w := NewWatcher(f.s, 50*time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeLog(t, filepath.Join(f.dir, "notes.txt"), taskUpsertLine(ts0, "t1", "not a log"))
	time.Sleep(400 * time.Millisecond)

	ok, err := repo.TaskRepo{}.Exists(ctx, f.db, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}
