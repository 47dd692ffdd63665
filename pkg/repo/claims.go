package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type claimRow struct {
	ID             int64  `db:"id"`
	TaskID         string `db:"task_id"`
	WorkerID       string `db:"worker_id"`
	Status         string `db:"status"`
	ClaimedAt      string `db:"claimed_at"`
	LeaseExpiresAt string `db:"lease_expires_at"`
	RenewedCount   int    `db:"renewed_count"`
}

func (r claimRow) toClaim() (*types.Claim, error) {
	claimedAt, err := parseTime(r.ClaimedAt)
	if err != nil {
		return nil, fmt.Errorf("claim %d claimed_at: %w", r.ID, err)
	}
	expiresAt, err := parseTime(r.LeaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("claim %d lease_expires_at: %w", r.ID, err)
	}
	return &types.Claim{
		ID:             r.ID,
		TaskID:         r.TaskID,
		WorkerID:       r.WorkerID,
		Status:         types.ClaimStatus(r.Status),
		ClaimedAt:      claimedAt,
		LeaseExpiresAt: expiresAt,
		RenewedCount:   r.RenewedCount,
	}, nil
}

const claimColumns = `id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count`

// ClaimRepo maps claims. The at-most-one-active-per-task rule lives in
// the schema as a partial unique index; Insert surfaces the violation.
type ClaimRepo struct{}

// Insert creates an active claim and returns its id. Racing inserts on
// the same task lose with a unique violation; use
// storage.IsUniqueViolation to classify.
func (ClaimRepo) Insert(ctx context.Context, q storage.Querier, taskID, workerID string, claimedAt, leaseExpiresAt time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO claims (task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count)
		VALUES (?, ?, 'active', ?, ?, 0)`,
		taskID, workerID, storage.FormatTime(claimedAt), storage.FormatTime(leaseExpiresAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("claim insert id: %w", err)
	}
	return id, nil
}

// Get returns the claim or nil when no row exists.
func (ClaimRepo) Get(ctx context.Context, q storage.Querier, id int64) (*types.Claim, error) {
	var row claimRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim %d: %w", id, err)
	}
	return row.toClaim()
}

// ActiveByTask returns the active claim on the task, or nil when the
// task is unclaimed.
func (ClaimRepo) ActiveByTask(ctx context.Context, q storage.Querier, taskID string) (*types.Claim, error) {
	var row claimRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+claimColumns+` FROM claims WHERE task_id = ? AND status = 'active'`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active claim for %s: %w", taskID, err)
	}
	return row.toClaim()
}

// SetStatus moves the claim out of active. Only rows still in the given
// fromStatus are touched; the bool reports whether the row changed.
func (ClaimRepo) SetStatus(ctx context.Context, q storage.Querier, id int64, from, to types.ClaimStatus) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE claims SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("claim %d %s -> %s: %w", id, from, to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Renew extends the lease and bumps the renewal counter.
func (ClaimRepo) Renew(ctx context.Context, q storage.Querier, id int64, leaseExpiresAt time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE claims SET lease_expires_at = ?, renewed_count = renewed_count + 1 WHERE id = ? AND status = 'active'`,
		storage.FormatTime(leaseExpiresAt), id)
	if err != nil {
		return fmt.Errorf("renew claim %d: %w", id, err)
	}
	return nil
}

// ListActive returns every active claim, soonest lease expiry first.
func (ClaimRepo) ListActive(ctx context.Context, q storage.Querier) ([]*types.Claim, error) {
	var rows []claimRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+claimColumns+` FROM claims WHERE status = 'active' ORDER BY lease_expires_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active claims: %w", err)
	}
	return rowsToClaims(rows)
}

// ListOverdue returns active claims whose lease expired before now.
func (ClaimRepo) ListOverdue(ctx context.Context, q storage.Querier, now time.Time) ([]*types.Claim, error) {
	var rows []claimRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+claimColumns+` FROM claims WHERE status = 'active' AND lease_expires_at < ? ORDER BY lease_expires_at ASC`,
		storage.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list overdue claims: %w", err)
	}
	return rowsToClaims(rows)
}

// ListByWorker returns the worker's claims, newest first.
func (ClaimRepo) ListByWorker(ctx context.Context, q storage.Querier, workerID string, limit int) ([]*types.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE worker_id = ? ORDER BY claimed_at DESC`
	args := []any{workerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []claimRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list claims for worker %s: %w", workerID, err)
	}
	return rowsToClaims(rows)
}

// CountActive returns the number of active claims.
func (ClaimRepo) CountActive(ctx context.Context, q storage.Querier) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n,
		`SELECT count(*) FROM claims WHERE status = 'active'`); err != nil {
		return 0, fmt.Errorf("count active claims: %w", err)
	}
	return n, nil
}

func rowsToClaims(rows []claimRow) ([]*types.Claim, error) {
	out := make([]*types.Claim, 0, len(rows))
	for _, row := range rows {
		c, err := row.toClaim()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
