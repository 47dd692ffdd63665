package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// beat writes heartbeat state for a run with explicit instants.
func (f *fixture) beat(t *testing.T, runID string, checkAt time.Time, activityAt *time.Time) {
	t.Helper()
	in := HeartbeatInput{
		RunID:   runID,
		CheckAt: checkAt.UTC().Format(time.RFC3339Nano),
	}
	if activityAt != nil {
		in.ActivityAt = activityAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := f.svc.Heartbeat(context.Background(), in)
	require.NoError(t, err)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestListStalledClassification(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		policy     StallPolicy
		checkAt    time.Time
		activityAt *time.Time
		want       []StallReason
	}{
		{
			name:       "healthy run is not stalled",
			policy:     StallPolicy{TranscriptIdle: time.Minute, HeartbeatLag: time.Minute},
			checkAt:    now,
			activityAt: timePtr(now),
			want:       nil,
		},
		{
			name:       "idle transcript",
			policy:     StallPolicy{TranscriptIdle: time.Minute},
			checkAt:    now,
			activityAt: timePtr(now.Add(-10 * time.Minute)),
			want:       []StallReason{StallTranscriptIdle},
		},
		{
			name:       "stale heartbeat",
			policy:     StallPolicy{TranscriptIdle: time.Hour, HeartbeatLag: time.Minute},
			checkAt:    now.Add(-5 * time.Minute),
			activityAt: timePtr(now.Add(-5 * time.Minute)),
			want:       []StallReason{StallHeartbeatStale},
		},
		{
			name:       "transcript idle wins when both apply",
			policy:     StallPolicy{TranscriptIdle: time.Minute, HeartbeatLag: time.Minute},
			checkAt:    now.Add(-10 * time.Minute),
			activityAt: timePtr(now.Add(-10 * time.Minute)),
			want:       []StallReason{StallTranscriptIdle},
		},
		{
			name:       "heartbeat check disabled when lag unset",
			policy:     StallPolicy{TranscriptIdle: time.Hour},
			checkAt:    now.Add(-10 * time.Minute),
			activityAt: timePtr(now.Add(-10 * time.Minute)),
			want:       nil,
		},
		{
			name:    "no activity reported falls back to check time",
			policy:  StallPolicy{TranscriptIdle: time.Minute},
			checkAt: now.Add(-10 * time.Minute),
			want:    []StallReason{StallTranscriptIdle},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.startRun(t, nil)
			f.beat(t, r.ID, tt.checkAt, tt.activityAt)

			stalled, err := f.svc.ListStalled(context.Background(), tt.policy)
			require.NoError(t, err)
			got := make([]StallReason, 0, len(stalled))
			for _, st := range stalled {
				assert.Equal(t, r.ID, st.Run.ID)
				got = append(got, st.Reason)
			}
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestListStalledSkipsRunsWithoutHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, nil)

	stalled, err := f.svc.ListStalled(context.Background(), StallPolicy{TranscriptIdle: time.Second})
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestListStalledValidatesThreshold(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListStalled(context.Background(), StallPolicy{})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	_, err = f.svc.Reap(context.Background(), ReapPolicy{StallPolicy: StallPolicy{TranscriptIdle: 500 * time.Millisecond}})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestReapDryRunLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(t, "tx-task0001", types.TaskStatusActive)
	taskID := "tx-task0001"
	r := f.startRun(t, &taskID)
	f.beat(t, r.ID, time.Now(), timePtr(time.Now().Add(-10*time.Minute)))

	reaped, err := f.svc.Reap(ctx, ReapPolicy{
		StallPolicy: StallPolicy{TranscriptIdle: time.Minute},
		ResetTask:   true,
		DryRun:      true,
	})
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, r.ID, reaped[0].ID)
	assert.Equal(t, taskID, *reaped[0].TaskID)
	assert.Equal(t, StallTranscriptIdle, reaped[0].Reason)
	assert.False(t, reaped[0].TaskReset)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
}

func TestReapCancelsExpiresAndResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(t, "tx-task0001", types.TaskStatusActive)
	f.addWorker(t, "worker-1")
	taskID := "tx-task0001"

	now := time.Now()
	claimID, err := repo.ClaimRepo{}.Insert(ctx, f.db, taskID, "worker-1", now, now.Add(30*time.Minute))
	require.NoError(t, err)

	r := f.startRun(t, &taskID)
	f.beat(t, r.ID, now.Add(-10*time.Minute), timePtr(now.Add(-10*time.Minute)))

	reaped, err := f.svc.Reap(ctx, ReapPolicy{
		StallPolicy: StallPolicy{TranscriptIdle: time.Minute},
		ResetTask:   true,
	})
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, r.ID, reaped[0].ID)
	assert.Equal(t, taskID, *reaped[0].TaskID)
	assert.True(t, reaped[0].TaskReset)
	assert.False(t, reaped[0].ProcessTerminated)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
	require.NotNil(t, got.EndedAt)

	cl, err := repo.ClaimRepo{}.Get(ctx, f.db, claimID)
	require.NoError(t, err)
	assert.Equal(t, types.ClaimStatusExpired, cl.Status)
	active, err := repo.ClaimRepo{}.ActiveByTask(ctx, f.db, taskID)
	require.NoError(t, err)
	assert.Nil(t, active)

	task, err := repo.TaskRepo{}.Get(ctx, f.db, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReady, task.Status)

	evts, err := repo.EventRepo{}.List(ctx, f.db, repo.EventFilter{RunID: r.ID, Type: types.EventRunCancelled})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "transcript_idle", evts[0].Metadata["reason"])
}

func TestReapWithoutResetKeepsTaskStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(t, "tx-task0001", types.TaskStatusActive)
	taskID := "tx-task0001"
	r := f.startRun(t, &taskID)
	f.beat(t, r.ID, time.Now(), timePtr(time.Now().Add(-10*time.Minute)))

	reaped, err := f.svc.Reap(ctx, ReapPolicy{
		StallPolicy: StallPolicy{TranscriptIdle: time.Minute},
	})
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.False(t, reaped[0].TaskReset)

	task, err := repo.TaskRepo{}.Get(ctx, f.db, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusActive, task.Status)
}

func TestReapSkipsRunThatAlreadyEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startRun(t, nil)
	f.beat(t, r.ID, time.Now(), timePtr(time.Now().Add(-10*time.Minute)))

	// The run finishes between classification and action.
	stalled, err := f.svc.ListStalled(ctx, StallPolicy{TranscriptIdle: time.Minute})
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	_, err = f.svc.Complete(ctx, r.ID, "made it after all")
	require.NoError(t, err)

	entry, err := f.svc.reapOne(ctx, stalled[0], true)
	require.NoError(t, err)
	assert.Nil(t, entry)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
}

func TestReaperLoopSweeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startRun(t, nil)
	f.beat(t, r.ID, time.Now(), timePtr(time.Now().Add(-10*time.Minute)))

	reaper := NewReaper(f.svc, DefaultReapPolicy(time.Minute), 20*time.Millisecond)
	reaper.Start()
	defer reaper.Stop()

	assert.Eventually(t, func() bool {
		got, err := f.svc.Get(ctx, r.ID)
		return err == nil && got.Status == types.RunStatusCancelled
	}, 3*time.Second, 25*time.Millisecond)
}
