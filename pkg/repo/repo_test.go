package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.NewRunner(db).Run(context.Background()))
	return db
}

func mkTask(id, title string, status types.TaskStatus, score int, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		Title:     title,
		Status:    status,
		Score:     score,
		Metadata:  map[string]any{},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}

	parent := mkTask("tx-parent00", "parent", types.TaskStatusBacklog, 0, time.Now())
	require.NoError(t, tasks.Insert(ctx, db, parent))

	assignedAt := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)
	kind := types.AssigneeAgent
	assignee := "agent-7"
	by := "scheduler"
	child := &types.Task{
		ID:           "tx-child000",
		Title:        "child with everything set",
		Description:  "longer body",
		Status:       types.TaskStatusReady,
		ParentID:     &parent.ID,
		Score:        42,
		AssigneeType: &kind,
		AssigneeID:   &assignee,
		AssignedAt:   &assignedAt,
		AssignedBy:   &by,
		Metadata:     map[string]any{"retries": float64(2), "origin": "import"},
		CreatedAt:    assignedAt,
		UpdatedAt:    assignedAt,
	}
	require.NoError(t, tasks.Insert(ctx, db, child))

	got, err := tasks.Get(ctx, db, "tx-child000")
	require.NoError(t, err)
	assert.Equal(t, child.Title, got.Title)
	assert.Equal(t, types.TaskStatusReady, got.Status)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, parent.ID, *got.ParentID)
	require.NotNil(t, got.AssigneeType)
	assert.Equal(t, types.AssigneeAgent, *got.AssigneeType)
	require.NotNil(t, got.AssignedAt)
	assert.True(t, got.AssignedAt.Equal(assignedAt), "nanosecond precision must survive storage")
	assert.Equal(t, child.Metadata, got.Metadata)
	assert.Nil(t, got.CompletedAt)
}

func TestTaskDeleteCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	deps := DepRepo{}

	now := time.Now()
	parent := mkTask("tx-par00000", "parent", types.TaskStatusBacklog, 0, now)
	child := mkTask("tx-chi00000", "child", types.TaskStatusBacklog, 0, now)
	blocker := mkTask("tx-blk00000", "blocker", types.TaskStatusReady, 0, now)
	require.NoError(t, tasks.Insert(ctx, db, parent))
	require.NoError(t, tasks.Insert(ctx, db, child))
	require.NoError(t, tasks.Insert(ctx, db, blocker))

	child.ParentID = &parent.ID
	require.NoError(t, tasks.Update(ctx, db, child))
	require.NoError(t, deps.Add(ctx, db, blocker.ID, parent.ID, now))

	require.NoError(t, tasks.Delete(ctx, db, parent.ID))

	// Child survives with parent cleared; the dependency row is gone.
	got, err := tasks.Get(ctx, db, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)

	exists, err := deps.Exists(ctx, db, blocker.ID, parent.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListReadyOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	deps := DepRepo{}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-low00000", "low", types.TaskStatusReady, 1, base.Add(time.Second))))
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-highnew0", "high new", types.TaskStatusReady, 9, base.Add(2*time.Second))))
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-highold0", "high old", types.TaskStatusReady, 9, base)))
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-backlog0", "not ready status", types.TaskStatusBacklog, 99, base)))

	// A ready task behind an unfinished blocker is excluded.
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-gated000", "gated", types.TaskStatusReady, 50, base)))
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-gate0000", "gate", types.TaskStatusActive, 0, base)))
	require.NoError(t, deps.Add(ctx, db, "tx-gate0000", "tx-gated000", base))

	got, err := tasks.ListReady(ctx, db, 0)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, task := range got {
		ids[i] = task.ID
	}
	assert.Equal(t, []string{"tx-highold0", "tx-highnew0", "tx-low00000"}, ids)

	// Finishing the blocker surfaces the gated task at the top.
	gate, err := tasks.Get(ctx, db, "tx-gate0000")
	require.NoError(t, err)
	doneAt := base.Add(time.Hour)
	gate.Status = types.TaskStatusDone
	gate.CompletedAt = &doneAt
	gate.UpdatedAt = doneAt
	require.NoError(t, tasks.Update(ctx, db, gate))

	got, err = tasks.ListReady(ctx, db, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx-gated000", got[0].ID)
}

func TestWouldCycleWalksChain(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	deps := DepRepo{}

	now := time.Now()
	for _, id := range []string{"tx-aaaa0000", "tx-bbbb0000", "tx-cccc0000"} {
		require.NoError(t, tasks.Insert(ctx, db, mkTask(id, id, types.TaskStatusBacklog, 0, now)))
	}
	// a blocks b, b blocks c.
	require.NoError(t, deps.Add(ctx, db, "tx-aaaa0000", "tx-bbbb0000", now))
	require.NoError(t, deps.Add(ctx, db, "tx-bbbb0000", "tx-cccc0000", now))

	// c -> a would close the loop; a -> c is fine.
	cycle, err := deps.WouldCycle(ctx, db, "tx-cccc0000", "tx-aaaa0000")
	require.NoError(t, err)
	assert.True(t, cycle)

	cycle, err = deps.WouldCycle(ctx, db, "tx-aaaa0000", "tx-cccc0000")
	require.NoError(t, err)
	assert.False(t, cycle)
}

func TestUnfinishedBlockersFiltersDone(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	deps := DepRepo{}

	now := time.Now()
	doneAt := now
	done := mkTask("tx-done0000", "finished blocker", types.TaskStatusDone, 0, now)
	done.CompletedAt = &doneAt
	open := mkTask("tx-open0000", "open blocker", types.TaskStatusActive, 0, now)
	blocked := mkTask("tx-blkd0000", "blocked", types.TaskStatusReady, 0, now)
	require.NoError(t, tasks.Insert(ctx, db, done))
	require.NoError(t, tasks.Insert(ctx, db, open))
	require.NoError(t, tasks.Insert(ctx, db, blocked))
	require.NoError(t, deps.Add(ctx, db, done.ID, blocked.ID, now))
	require.NoError(t, deps.Add(ctx, db, open.ID, blocked.ID, now))

	byTask, err := deps.UnfinishedBlockersByTask(ctx, db, []string{blocked.ID})
	require.NoError(t, err)
	require.Len(t, byTask[blocked.ID], 1)
	assert.Equal(t, open.ID, byTask[blocked.ID][0].ID)

	// Blocks direction is unfiltered.
	blocks, err := deps.BlockedTasksByBlocker(ctx, db, []string{done.ID})
	require.NoError(t, err)
	require.Len(t, blocks[done.ID], 1)
	assert.Equal(t, blocked.ID, blocks[done.ID][0].ID)
}

func TestClaimActiveUniqueness(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	workers := WorkerRepo{}
	claims := ClaimRepo{}

	now := time.Now()
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-claim000", "claimable", types.TaskStatusReady, 0, now)))
	for _, w := range []string{"w1", "w2"} {
		require.NoError(t, workers.Upsert(ctx, db, &types.Worker{
			ID: w, Status: types.WorkerStatusIdle,
			Capabilities: []string{}, Metadata: map[string]any{},
			RegisteredAt: now, LastHeartbeatAt: now,
		}))
	}

	id1, err := claims.Insert(ctx, db, "tx-claim000", "w1", now, now.Add(30*time.Minute))
	require.NoError(t, err)

	_, err = claims.Insert(ctx, db, "tx-claim000", "w2", now, now.Add(30*time.Minute))
	require.Error(t, err)
	assert.True(t, storage.IsUniqueViolation(err))

	active, err := claims.ActiveByTask(ctx, db, "tx-claim000")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, id1, active.ID)
	assert.Equal(t, "w1", active.WorkerID)

	// Releasing the first claim frees the slot for the second worker.
	changed, err := claims.SetStatus(ctx, db, id1, types.ClaimStatusActive, types.ClaimStatusReleased)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = claims.Insert(ctx, db, "tx-claim000", "w2", now, now.Add(30*time.Minute))
	require.NoError(t, err)
}

func TestClaimListOverdue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	workers := WorkerRepo{}
	claims := ClaimRepo{}

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-od100000", "t1", types.TaskStatusReady, 0, now)))
	require.NoError(t, tasks.Insert(ctx, db, mkTask("tx-od200000", "t2", types.TaskStatusReady, 0, now)))
	require.NoError(t, workers.Upsert(ctx, db, &types.Worker{
		ID: "w1", Status: types.WorkerStatusIdle,
		Capabilities: []string{}, Metadata: map[string]any{},
		RegisteredAt: now, LastHeartbeatAt: now,
	}))

	_, err := claims.Insert(ctx, db, "tx-od100000", "w1", now.Add(-time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = claims.Insert(ctx, db, "tx-od200000", "w1", now, now.Add(time.Hour))
	require.NoError(t, err)

	overdue, err := claims.ListOverdue(ctx, db, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "tx-od100000", overdue[0].TaskID)
}

func TestLearningSearchRanksBetterMatchFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	learnings := LearningRepo{}

	now := time.Now()
	_, err := learnings.Insert(ctx, db, &types.Learning{
		Content:    "sqlite busy timeout needs to be set before any query runs",
		SourceType: types.LearningSourceManual,
		Keywords:   []string{"sqlite", "timeout"},
		CreatedAt:  now,
	})
	require.NoError(t, err)
	_, err = learnings.Insert(ctx, db, &types.Learning{
		Content:    "sqlite sqlite sqlite pragma ordering matters for sqlite",
		SourceType: types.LearningSourceRun,
		Keywords:   []string{"sqlite"},
		CreatedAt:  now,
	})
	require.NoError(t, err)
	_, err = learnings.Insert(ctx, db, &types.Learning{
		Content:    "unrelated note about yaml indentation",
		SourceType: types.LearningSourceManual,
		CreatedAt:  now,
	})
	require.NoError(t, err)

	hits, err := learnings.Search(ctx, db, `"sqlite"`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// bm25 is lower-is-better and Search orders ascending.
	assert.LessOrEqual(t, hits[0].Rank, hits[1].Rank)
	assert.Contains(t, hits[0].Learning.Content, "sqlite")
}

func TestLearningDeleteDropsFTSAndAnchors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	learnings := LearningRepo{}
	anchors := AnchorRepo{}

	now := time.Now()
	id, err := learnings.Insert(ctx, db, &types.Learning{
		Content:    "watch out for fsnotify rename events",
		SourceType: types.LearningSourceRun,
		CreatedAt:  now,
	})
	require.NoError(t, err)
	_, err = anchors.Insert(ctx, db, &types.Anchor{
		LearningID: id,
		Kind:       types.AnchorKindGlob,
		FilePath:   "pkg/watch",
		Value:      "pkg/watch/**/*.go",
		Status:     types.AnchorStatusValid,
		CreatedAt:  now,
	})
	require.NoError(t, err)

	existed, err := learnings.Delete(ctx, db, id)
	require.NoError(t, err)
	assert.True(t, existed)

	hits, err := learnings.Search(ctx, db, `"fsnotify"`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	remaining, err := anchors.ListByLearning(ctx, db, id)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	existed, err = learnings.Delete(ctx, db, id)
	require.NoError(t, err)
	assert.False(t, existed, "second delete is a no-op")
}

func TestEdgeSoftDeleteFiltersQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	edges := EdgeRepo{}

	now := time.Now()
	id, err := edges.Insert(ctx, db, &types.Edge{
		SourceKind: types.NodeLearning, SourceID: "1",
		TargetKind: types.NodeFile, TargetID: "pkg/storage/sqlite.go",
		Type: types.EdgeAnchoredTo, Weight: 1.0,
		Metadata: map[string]any{}, CreatedAt: now,
	})
	require.NoError(t, err)

	out, err := edges.From(ctx, db, types.NodeLearning, "1", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.EdgeAnchoredTo, out[0].Type)

	changed, err := edges.Invalidate(ctx, db, id)
	require.NoError(t, err)
	assert.True(t, changed)

	out, err = edges.From(ctx, db, types.NodeLearning, "1", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	changed, err = edges.Invalidate(ctx, db, id)
	require.NoError(t, err)
	assert.False(t, changed, "second invalidate is a no-op")
}

func TestHierarchyDescendantsBoundedByDepth(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tasks := TaskRepo{}
	hier := HierarchyRepo{}

	now := time.Now()
	root := mkTask("tx-root0000", "root", types.TaskStatusBacklog, 0, now)
	require.NoError(t, tasks.Insert(ctx, db, root))
	prev := root.ID
	childIDs := []string{"tx-lvl10000", "tx-lvl20000", "tx-lvl30000"}
	for _, id := range childIDs {
		c := mkTask(id, id, types.TaskStatusBacklog, 0, now)
		c.ParentID = &prev
		require.NoError(t, tasks.Insert(ctx, db, c))
		prev = id
	}

	rows, err := hier.Descendants(ctx, db, root.ID, 2)
	require.NoError(t, err)
	require.Len(t, rows, 3) // root, lvl1, lvl2
	assert.Equal(t, 0, rows[0].Depth)
	assert.Equal(t, root.ID, rows[0].Task.ID)
	assert.Equal(t, 2, rows[2].Depth)

	chain, err := hier.AncestorChain(ctx, db, "tx-lvl30000", 100)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, "tx-lvl30000", chain[0].ID)
	assert.Equal(t, root.ID, chain[3].ID)
	assert.Nil(t, chain[3].ParentID)
}

func TestTimestampsCompareLexicographically(t *testing.T) {
	// The canonical layout is fixed width, so string ORDER BY in SQL and
	// chronological order agree even across precision extremes.
	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 1, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 999999999, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		a := storage.FormatTime(times[i-1])
		b := storage.FormatTime(times[i])
		assert.True(t, a < b, "%s must sort before %s", a, b)
	}
}
