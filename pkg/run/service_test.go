package run

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/ids"
	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type fixture struct {
	db  *storage.DB
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.NewRunner(db).Run(context.Background()))
	return &fixture{db: db, svc: NewService(db, nil)}
}

func (f *fixture) addTask(t *testing.T, id string, status types.TaskStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.TaskRepo{}.Insert(context.Background(), f.db, &types.Task{
		ID: id, Title: id, Status: status,
		Metadata: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) addWorker(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.WorkerRepo{}.Upsert(context.Background(), f.db, &types.Worker{
		ID: id, Status: types.WorkerStatusBusy,
		Capabilities: []string{}, Metadata: map[string]any{},
		RegisteredAt: now, LastHeartbeatAt: now,
	}))
}

func (f *fixture) startRun(t *testing.T, taskID *string) *types.Run {
	t.Helper()
	r, err := f.svc.Start(context.Background(), StartInput{Agent: "claude", TaskID: taskID})
	require.NoError(t, err)
	return r
}

func TestStartRecordsRunAndEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(t, "tx-task0001", types.TaskStatusActive)

	taskID := "tx-task0001"
	pid := 12345
	r, err := f.svc.Start(ctx, StartInput{
		Agent:  "claude",
		TaskID: &taskID,
		PID:    &pid,
	})
	require.NoError(t, err)
	assert.True(t, ids.ValidRunID(r.ID))
	assert.Equal(t, types.RunStatusRunning, r.Status)
	assert.Equal(t, &taskID, r.TaskID)
	assert.Nil(t, r.EndedAt)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 12345, *got.PID)

	evts, err := repo.EventRepo{}.List(ctx, f.db, repo.EventFilter{RunID: r.ID, Type: types.EventRunStarted})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, taskID, *evts[0].TaskID)
	assert.Equal(t, "claude", *evts[0].Agent)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartInput{Agent: "  "})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	ghost := "tx-ghost000"
	_, err = f.svc.Start(ctx, StartInput{Agent: "claude", TaskID: &ghost})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestTerminalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		end     func(id string) (*types.Run, error)
		status  types.RunStatus
		evtType types.EventType
		check   func(t *testing.T, r *types.Run)
	}{
		{
			name:    "complete",
			end:     func(id string) (*types.Run, error) { return f.svc.Complete(ctx, id, "all tests green") },
			status:  types.RunStatusCompleted,
			evtType: types.EventRunCompleted,
			check: func(t *testing.T, r *types.Run) {
				assert.Equal(t, "all tests green", r.Summary)
			},
		},
		{
			name:    "fail",
			end:     func(id string) (*types.Run, error) { return f.svc.Fail(ctx, id, "compile error") },
			status:  types.RunStatusFailed,
			evtType: types.EventRunFailed,
			check: func(t *testing.T, r *types.Run) {
				assert.Equal(t, "compile error", r.Error)
			},
		},
		{
			name:    "cancel",
			end:     func(id string) (*types.Run, error) { return f.svc.Cancel(ctx, id) },
			status:  types.RunStatusCancelled,
			evtType: types.EventRunCancelled,
			check:   func(t *testing.T, r *types.Run) {},
		},
		{
			name:    "timeout",
			end:     func(id string) (*types.Run, error) { return f.svc.Timeout(ctx, id) },
			status:  types.RunStatusTimeout,
			evtType: types.EventRunFailed,
			check: func(t *testing.T, r *types.Run) {
				assert.Equal(t, "run timed out", r.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.startRun(t, nil)

			ended, err := tt.end(r.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, ended.Status)
			require.NotNil(t, ended.EndedAt)
			tt.check(t, ended)

			evts, err := repo.EventRepo{}.List(ctx, f.db, repo.EventFilter{RunID: r.ID, Type: tt.evtType})
			require.NoError(t, err)
			assert.Len(t, evts, 1)

			// A second terminal transition is rejected.
			_, err = f.svc.Cancel(ctx, r.ID)
			require.Error(t, err)
			assert.True(t, errdefs.IsConflict(err))
		})
	}
}

func TestEndUnknownRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Complete(context.Background(), "run-deadbeef", "")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDetailSurfacesLogCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.Start(ctx, StartInput{
		Agent: "claude",
		Metadata: map[string]any{
			"logCapture": map[string]any{
				"stdout": map[string]any{"path": "/tmp/out.log", "state": "captured"},
				"stderr": map[string]any{"state": "unreadable", "reason": "permission denied"},
			},
		},
	})
	require.NoError(t, err)

	d, err := f.svc.Detail(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, d.LogCapture)
	require.NotNil(t, d.LogCapture.Stdout)
	assert.Equal(t, "/tmp/out.log", d.LogCapture.Stdout.Path)
	assert.Equal(t, types.LogCaptureCaptured, d.LogCapture.Stdout.State)
	require.NotNil(t, d.LogCapture.Stderr)
	assert.Equal(t, types.LogCaptureUnreadable, d.LogCapture.Stderr.State)
	assert.Equal(t, "permission denied", d.LogCapture.Stderr.Reason)
	assert.Nil(t, d.Heartbeat)

	// Reading the detail view does not rewrite the stored metadata.
	again, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Contains(t, again.Metadata, "logCapture")

	// Runs without a capture block surface nil.
	plain := f.startRun(t, nil)
	d2, err := f.svc.Detail(ctx, plain.ID)
	require.NoError(t, err)
	assert.Nil(t, d2.LogCapture)
}

func TestHeartbeatIngestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startRun(t, nil)

	activity := time.Now().Add(-30 * time.Second).UTC().Format(time.RFC3339Nano)
	hb, err := f.svc.Heartbeat(ctx, HeartbeatInput{
		RunID:           r.ID,
		StdoutBytes:     1024,
		TranscriptBytes: 4096,
		DeltaBytes:      256,
		ActivityAt:      activity,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), hb.StdoutBytes)
	require.NotNil(t, hb.LastActivityAt)
	assert.WithinDuration(t, time.Now().Add(-30*time.Second), *hb.LastActivityAt, 5*time.Second)

	// A later beat replaces the row rather than appending.
	_, err = f.svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, StdoutBytes: 2048, TranscriptBytes: 8192})
	require.NoError(t, err)

	got, err := f.svc.HeartbeatFor(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got.StdoutBytes)
	assert.Equal(t, int64(8192), got.TranscriptBytes)
	assert.Nil(t, got.LastActivityAt)
}

func TestHeartbeatValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startRun(t, nil)

	_, err := f.svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, CheckAt: "not-a-date"})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	_, err = f.svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, ActivityAt: "13/01/2025"})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	_, err = f.svc.Heartbeat(ctx, HeartbeatInput{RunID: "run-deadbeef"})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.svc.Heartbeat(ctx, HeartbeatInput{})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}
