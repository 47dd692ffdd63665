package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

func newTestLog(t *testing.T) (*Log, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.NewRunner(db).Run(context.Background()))
	return NewLog(db), db
}

func strPtr(s string) *string { return &s }

func TestAppendAssignsIDAndStampsTime(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()

	e := &types.Event{Type: types.EventTaskCreated, Content: "task tx-1"}
	require.NoError(t, l.Append(ctx, db, e))

	assert.NotZero(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, content := range []string{"first", "second", "third"} {
		e := &types.Event{
			Type:      types.EventTaskUpdated,
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, l.Append(ctx, db, e))
	}

	got, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Content)
	assert.Equal(t, "second", got[1].Content)

	// A non-positive limit still returns results.
	all, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestForRunAndForTaskFilter(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, db, &types.Event{
		Type: types.EventRunStarted, RunID: strPtr("run-a"), TaskID: strPtr("tx-1"),
	}))
	require.NoError(t, l.Append(ctx, db, &types.Event{
		Type: types.EventRunStarted, RunID: strPtr("run-b"), TaskID: strPtr("tx-2"),
	}))
	require.NoError(t, l.Append(ctx, db, &types.Event{
		Type: types.EventRunCompleted, RunID: strPtr("run-a"), TaskID: strPtr("tx-1"),
	}))

	runA, err := l.ForRun(ctx, "run-a", 10)
	require.NoError(t, err)
	require.Len(t, runA, 2)
	assert.Equal(t, types.EventRunCompleted, runA[0].Type)

	task2, err := l.ForTask(ctx, "tx-2", 10)
	require.NoError(t, err)
	require.Len(t, task2, 1)
	assert.Equal(t, "run-b", *task2[0].RunID)
}

func TestHistoryReturnsOldestFirst(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two"} {
		require.NoError(t, l.Append(ctx, db, &types.Event{
			Type: types.EventToolCall, Content: content,
		}))
	}

	got, err := l.History(ctx, repo.EventFilter{Type: types.EventToolCall})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
}

func TestCountByType(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, db, &types.Event{Type: types.EventError}))
	require.NoError(t, l.Append(ctx, db, &types.Event{Type: types.EventError}))
	require.NoError(t, l.Append(ctx, db, &types.Event{Type: types.EventMetric}))

	counts, err := l.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.EventError])
	assert.Equal(t, 1, counts[types.EventMetric])
}

func TestAppendRollsBackWithCallerTransaction(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := l.Append(ctx, tx, &types.Event{Type: types.EventError, Content: "doomed"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "the append rode the caller's transaction down")
}
