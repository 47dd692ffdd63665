package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.NewRunner(db).Run(context.Background()))
	return NewRegistry(db)
}

func TestRegisterAndGet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	w, err := r.Register(ctx, RegisterSpec{
		ID:           "worker-1",
		Name:         "builder",
		Capabilities: []string{"go", "sql"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusStarting, w.Status)
	require.NotNil(t, w.PID)

	got, err := r.Get(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "builder", got.Name)
	assert.Equal(t, []string{"go", "sql"}, got.Capabilities)

	anon, err := r.Register(ctx, RegisterSpec{Name: "drifter"})
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)
	got, err = r.Get(ctx, anon.ID)
	require.NoError(t, err)
	assert.Equal(t, "drifter", got.Name)
}

func TestReRegisterRefreshes(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterSpec{ID: "worker-1", Name: "old name"})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterSpec{ID: "worker-1", Name: "new name"})
	require.NoError(t, err)

	got, err := r.Get(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "new name", got.Name)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStatusLifecycle(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterSpec{ID: "worker-1"})
	require.NoError(t, err)

	taskID := "tx-task0001"
	require.NoError(t, r.SetStatus(ctx, "worker-1", types.WorkerStatusBusy, &taskID))
	got, err := r.Get(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentTaskID)
	assert.Equal(t, taskID, *got.CurrentTaskID)

	// Leaving busy clears the task even if the caller passes one.
	require.NoError(t, r.SetStatus(ctx, "worker-1", types.WorkerStatusIdle, &taskID))
	got, err = r.Get(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTaskID)

	err = r.SetStatus(ctx, "worker-1", types.WorkerStatus("zombie"), nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestMarkStaleFlipsSilentWorkers(t *testing.T) {
	r := newRegistry(t)
	r.heartbeatTimeout = 50 * time.Millisecond
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterSpec{ID: "quiet"})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterSpec{ID: "chatty"})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, "chatty"))

	ids, err := r.MarkStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet"}, ids)

	got, err := r.Get(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusDead, got.Status)

	got, err = r.Get(ctx, "chatty")
	require.NoError(t, err)
	assert.NotEqual(t, types.WorkerStatusDead, got.Status)

	// A heartbeat from a dead worker revives it.
	require.NoError(t, r.Heartbeat(ctx, "quiet"))
	got, err = r.Get(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, got.Status)
}

func TestDeregister(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterSpec{ID: "worker-1"})
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, "worker-1"))

	_, err = r.Get(ctx, "worker-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	err = r.Deregister(ctx, "worker-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}
