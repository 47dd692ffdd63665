// Package claim implements lease-based task claiming. At most one claim
// per task is active at any instant; that rule is enforced by a partial
// unique index and every mutation runs in a single immediate
// transaction, so two workers racing for a task serialize at the
// database and exactly one wins.
package claim

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// DefaultLease is how long a fresh or renewed claim holds the task.
const DefaultLease = 30 * time.Minute

// Coordinator hands out, renews and expires task claims.
type Coordinator struct {
	db      *storage.DB
	tasks   repo.TaskRepo
	claims  repo.ClaimRepo
	workers repo.WorkerRepo
	lease   time.Duration
	logger  zerolog.Logger
}

// NewCoordinator creates a coordinator. lease <= 0 selects DefaultLease.
func NewCoordinator(db *storage.DB, lease time.Duration) *Coordinator {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Coordinator{
		db:     db,
		lease:  lease,
		logger: log.WithComponent("claim"),
	}
}

// Lease returns the configured lease duration.
func (c *Coordinator) Lease() time.Duration {
	return c.lease
}

// Claim takes the task for the worker. If another worker holds a live
// lease the call fails with AlreadyClaimedError naming the holder. An
// active claim whose lease has lapsed is expired in the same transaction
// and the task is handed to the caller.
func (c *Coordinator) Claim(ctx context.Context, taskID, workerID string) (*types.Claim, error) {
	now := time.Now()
	var claim *types.Claim

	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := c.tasks.Exists(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return &errdefs.TaskNotFoundError{ID: taskID}
		}
		ok, err = c.workers.Exists(ctx, tx, workerID)
		if err != nil {
			return err
		}
		if !ok {
			return &errdefs.WorkerNotFoundError{ID: workerID}
		}

		current, err := c.claims.ActiveByTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current != nil {
			if current.LeaseExpiresAt.After(now) {
				return &errdefs.AlreadyClaimedError{
					TaskID:         taskID,
					ClaimedBy:      current.WorkerID,
					LeaseExpiresAt: current.LeaseExpiresAt,
				}
			}
			// Lapsed lease: expire it and take over.
			if _, err := c.claims.SetStatus(ctx, tx, current.ID, types.ClaimStatusActive, types.ClaimStatusExpired); err != nil {
				return err
			}
			metrics.LeasesExpired.Inc()
		}

		id, err := c.claims.Insert(ctx, tx, taskID, workerID, now, now.Add(c.lease))
		if err != nil {
			if storage.IsUniqueViolation(err) {
				if holder, herr := c.claims.ActiveByTask(ctx, tx, taskID); herr == nil && holder != nil {
					return &errdefs.AlreadyClaimedError{
						TaskID:         taskID,
						ClaimedBy:      holder.WorkerID,
						LeaseExpiresAt: holder.LeaseExpiresAt,
					}
				}
			}
			return err
		}
		claim = &types.Claim{
			ID:             id,
			TaskID:         taskID,
			WorkerID:       workerID,
			Status:         types.ClaimStatusActive,
			ClaimedAt:      now,
			LeaseExpiresAt: now.Add(c.lease),
		}
		return nil
	})
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindConflict {
			metrics.ClaimAttempts.WithLabelValues("already_claimed").Inc()
		} else {
			metrics.ClaimAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.ClaimAttempts.WithLabelValues("won").Inc()
	c.logger.Info().
		Str("task_id", taskID).
		Str("worker_id", workerID).
		Int64("claim_id", claim.ID).
		Time("lease_expires_at", claim.LeaseExpiresAt).
		Msg("Task claimed")
	return claim, nil
}

// Renew extends the caller's lease by the configured duration from now.
// Anything other than an active claim held by workerID fails with
// ClaimNotOwnedError.
func (c *Coordinator) Renew(ctx context.Context, claimID int64, workerID string) (*types.Claim, error) {
	now := time.Now()
	var renewed *types.Claim

	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := c.claims.Get(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != types.ClaimStatusActive || current.WorkerID != workerID {
			taskID := ""
			if current != nil {
				taskID = current.TaskID
			}
			return &errdefs.ClaimNotOwnedError{ClaimID: claimID, TaskID: taskID, WorkerID: workerID}
		}
		if err := c.claims.Renew(ctx, tx, claimID, now.Add(c.lease)); err != nil {
			return err
		}
		current.LeaseExpiresAt = now.Add(c.lease)
		current.RenewedCount++
		renewed = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int64("claim_id", claimID).
		Str("worker_id", workerID).
		Time("lease_expires_at", renewed.LeaseExpiresAt).
		Msg("Claim renewed")
	return renewed, nil
}

// Release gives the task back. Releasing a task with no active claim is
// a no-op; releasing someone else's claim fails with ClaimNotOwnedError.
func (c *Coordinator) Release(ctx context.Context, taskID, workerID string) error {
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := c.claims.ActiveByTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		if current.WorkerID != workerID {
			return &errdefs.ClaimNotOwnedError{ClaimID: current.ID, TaskID: taskID, WorkerID: workerID}
		}
		_, err = c.claims.SetStatus(ctx, tx, current.ID, types.ClaimStatusActive, types.ClaimStatusReleased)
		return err
	})
	if err != nil {
		return err
	}

	c.logger.Info().Str("task_id", taskID).Str("worker_id", workerID).Msg("Claim released")
	return nil
}

// Expire force-expires one claim regardless of owner. Expiring a claim
// that is not active is a no-op.
func (c *Coordinator) Expire(ctx context.Context, claimID int64) error {
	var changed bool
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		changed, err = c.claims.SetStatus(ctx, tx, claimID, types.ClaimStatusActive, types.ClaimStatusExpired)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		metrics.LeasesExpired.Inc()
		c.logger.Info().Int64("claim_id", claimID).Msg("Claim expired")
	}
	return nil
}

// ExpireOverdue sweeps every active claim whose lease has lapsed and
// returns how many were expired.
func (c *Coordinator) ExpireOverdue(ctx context.Context) (int, error) {
	now := time.Now()
	expired := 0

	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		overdue, err := c.claims.ListOverdue(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, cl := range overdue {
			changed, err := c.claims.SetStatus(ctx, tx, cl.ID, types.ClaimStatusActive, types.ClaimStatusExpired)
			if err != nil {
				return err
			}
			if changed {
				expired++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		metrics.LeasesExpired.Add(float64(expired))
		c.logger.Info().Int("expired", expired).Msg("Overdue claims expired")
	}
	return expired, nil
}

// GetActive returns the task's active claim, or nil when unclaimed.
func (c *Coordinator) GetActive(ctx context.Context, taskID string) (*types.Claim, error) {
	return c.claims.ActiveByTask(ctx, c.db, taskID)
}

// ListActive returns all active claims ordered by soonest lease expiry.
func (c *Coordinator) ListActive(ctx context.Context) ([]*types.Claim, error) {
	return c.claims.ListActive(ctx, c.db)
}

// CountActive reports how many claims currently hold a task.
func (c *Coordinator) CountActive(ctx context.Context) (int, error) {
	return c.claims.CountActive(ctx, c.db)
}
