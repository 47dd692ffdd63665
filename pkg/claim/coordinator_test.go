package claim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type fixture struct {
	db    *storage.DB
	coord *Coordinator
}

func newFixture(t *testing.T, lease time.Duration) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.NewRunner(db).Run(context.Background()))
	return &fixture{db: db, coord: NewCoordinator(db, lease)}
}

func (f *fixture) addTask(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.TaskRepo{}.Insert(context.Background(), f.db, &types.Task{
		ID: id, Title: id, Status: types.TaskStatusReady,
		Metadata: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) addWorker(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.WorkerRepo{}.Upsert(context.Background(), f.db, &types.Worker{
		ID: id, Status: types.WorkerStatusIdle,
		Capabilities: []string{}, Metadata: map[string]any{},
		RegisteredAt: now, LastHeartbeatAt: now,
	}))
}

func TestClaimLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")

	cl, err := f.coord.Claim(ctx, "tx-task0001", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ClaimStatusActive, cl.Status)
	assert.Equal(t, "worker-1", cl.WorkerID)
	assert.WithinDuration(t, time.Now().Add(DefaultLease), cl.LeaseExpiresAt, 5*time.Second)

	// Renewal pushes the lease forward and counts.
	renewed, err := f.coord.Renew(ctx, cl.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewedCount)
	assert.True(t, renewed.LeaseExpiresAt.After(cl.ClaimedAt))

	require.NoError(t, f.coord.Release(ctx, "tx-task0001", "worker-1"))

	active, err := f.coord.GetActive(ctx, "tx-task0001")
	require.NoError(t, err)
	assert.Nil(t, active)

	// Release with no active claim is a no-op.
	require.NoError(t, f.coord.Release(ctx, "tx-task0001", "worker-1"))
}

func TestClaimRejectsUnknownTaskOrWorker(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")

	_, err := f.coord.Claim(ctx, "tx-nope0000", "worker-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.coord.Claim(ctx, "tx-task0001", "ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSecondClaimNamesHolder(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")
	f.addWorker(t, "worker-2")

	_, err := f.coord.Claim(ctx, "tx-task0001", "worker-1")
	require.NoError(t, err)

	_, err = f.coord.Claim(ctx, "tx-task0001", "worker-2")
	require.Error(t, err)
	var claimed *errdefs.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)
	assert.False(t, claimed.LeaseExpiresAt.IsZero())
}

func TestClaimRaceHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-race0001")

	const workers = 5
	for i := 0; i < workers; i++ {
		f.addWorker(t, fmt.Sprintf("worker-%d", i))
	}

	var (
		mu      sync.Mutex
		winners []string
		losers  []*errdefs.AlreadyClaimedError
	)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			_, err := f.coord.Claim(ctx, "tx-race0001", workerID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, workerID)
				return nil
			}
			var claimed *errdefs.AlreadyClaimedError
			if !errors.As(err, &claimed) {
				return fmt.Errorf("worker %s: unexpected error %w", workerID, err)
			}
			losers = append(losers, claimed)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, winners, 1, "exactly one worker wins")
	require.Len(t, losers, workers-1)
	for _, l := range losers {
		assert.Equal(t, winners[0], l.ClaimedBy, "losers learn the winner")
	}

	n, err := repo.ClaimRepo{}.CountActive(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLapsedLeaseIsReclaimable(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")
	f.addWorker(t, "worker-2")

	first, err := f.coord.Claim(ctx, "tx-task0001", "worker-1")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	second, err := f.coord.Claim(ctx, "tx-task0001", "worker-2")
	require.NoError(t, err, "a lapsed lease does not block a new claim")
	assert.Equal(t, "worker-2", second.WorkerID)

	// The old claim was expired in the same transaction.
	old, err := repo.ClaimRepo{}.Get(ctx, f.db, first.ID)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, types.ClaimStatusExpired, old.Status)
}

func TestRenewGuardsOwnership(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")
	f.addWorker(t, "worker-2")

	cl, err := f.coord.Claim(ctx, "tx-task0001", "worker-1")
	require.NoError(t, err)

	_, err = f.coord.Renew(ctx, cl.ID, "worker-2")
	require.Error(t, err)
	var notOwned *errdefs.ClaimNotOwnedError
	require.ErrorAs(t, err, &notOwned)

	_, err = f.coord.Renew(ctx, 99999, "worker-1")
	require.Error(t, err)
	require.ErrorAs(t, err, &notOwned)

	// A released claim cannot be renewed either.
	require.NoError(t, f.coord.Release(ctx, "tx-task0001", "worker-1"))
	_, err = f.coord.Renew(ctx, cl.ID, "worker-1")
	require.Error(t, err)
	require.ErrorAs(t, err, &notOwned)
}

func TestReleaseGuardsOwnership(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")
	f.addWorker(t, "worker-2")

	_, err := f.coord.Claim(ctx, "tx-task0001", "worker-1")
	require.NoError(t, err)

	err = f.coord.Release(ctx, "tx-task0001", "worker-2")
	require.Error(t, err)
	var notOwned *errdefs.ClaimNotOwnedError
	require.ErrorAs(t, err, &notOwned)
	assert.Equal(t, "worker-2", notOwned.WorkerID)
}

func TestExpireOverdueSweep(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()
	f.addWorker(t, "worker-1")
	for _, id := range []string{"tx-sweep001", "tx-sweep002", "tx-sweep003"} {
		f.addTask(t, id)
		_, err := f.coord.Claim(ctx, id, "worker-1")
		require.NoError(t, err)
	}

	time.Sleep(60 * time.Millisecond)

	// One task gets a fresh claim via a long-lease coordinator; the
	// sweep must leave it alone.
	longLease := NewCoordinator(f.db, time.Hour)
	require.NoError(t, f.coord.Expire(ctx, mustActiveID(t, f, "tx-sweep003")))
	fresh, err := longLease.Claim(ctx, "tx-sweep003", "worker-1")
	require.NoError(t, err)

	n, err := f.coord.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	still, err := f.coord.GetActive(ctx, "tx-sweep003")
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, fresh.ID, still.ID)

	// Idempotent: nothing left to sweep.
	n, err = f.coord.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.addTask(t, "tx-task0001")
	f.addWorker(t, "worker-1")

	cl, err := f.coord.Claim(ctx, "tx-task0001", "worker-1")
	require.NoError(t, err)

	require.NoError(t, f.coord.Expire(ctx, cl.ID))
	require.NoError(t, f.coord.Expire(ctx, cl.ID))
	require.NoError(t, f.coord.Expire(ctx, 424242), "unknown claim id is a no-op")

	got, err := repo.ClaimRepo{}.Get(ctx, f.db, cl.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClaimStatusExpired, got.Status)
}

func mustActiveID(t *testing.T, f *fixture, taskID string) int64 {
	t.Helper()
	cl, err := f.coord.GetActive(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, cl)
	return cl.ID
}
