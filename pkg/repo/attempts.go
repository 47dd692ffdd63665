package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type attemptRow struct {
	ID        int64   `db:"id"`
	TaskID    string  `db:"task_id"`
	RunID     *string `db:"run_id"`
	WorkerID  *string `db:"worker_id"`
	Outcome   string  `db:"outcome"`
	Detail    string  `db:"detail"`
	CreatedAt string  `db:"created_at"`
}

func (r attemptRow) toAttempt() (*types.Attempt, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("attempt %d created_at: %w", r.ID, err)
	}
	return &types.Attempt{
		ID:        r.ID,
		TaskID:    r.TaskID,
		RunID:     r.RunID,
		WorkerID:  r.WorkerID,
		Outcome:   r.Outcome,
		Detail:    r.Detail,
		CreatedAt: createdAt,
	}, nil
}

const attemptColumns = `id, task_id, run_id, worker_id, outcome, detail, created_at`

// AttemptRepo maps per-task attempt history.
type AttemptRepo struct{}

func (AttemptRepo) Insert(ctx context.Context, q storage.Querier, a *types.Attempt) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO attempts (task_id, run_id, worker_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.RunID, a.WorkerID, a.Outcome, a.Detail, storage.FormatTime(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("attempt insert id: %w", err)
	}
	return id, nil
}

// UpsertWithID writes an attempt under an explicit id, for file import.
func (AttemptRepo) UpsertWithID(ctx context.Context, q storage.Querier, a *types.Attempt) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			run_id = excluded.run_id,
			worker_id = excluded.worker_id,
			outcome = excluded.outcome,
			detail = excluded.detail,
			created_at = excluded.created_at`,
		a.ID, a.TaskID, a.RunID, a.WorkerID, a.Outcome, a.Detail,
		storage.FormatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert attempt %d: %w", a.ID, err)
	}
	return nil
}

// Get returns the attempt or nil when absent.
func (AttemptRepo) Get(ctx context.Context, q storage.Querier, id int64) (*types.Attempt, error) {
	var row attemptRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %d: %w", id, err)
	}
	return row.toAttempt()
}

func (AttemptRepo) ListByTask(ctx context.Context, q storage.Querier, taskID string) ([]*types.Attempt, error) {
	var rows []attemptRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+attemptColumns+` FROM attempts WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", taskID, err)
	}
	return rowsToAttempts(rows)
}

// ListAll returns every attempt ordered by id, for export.
func (AttemptRepo) ListAll(ctx context.Context, q storage.Querier) ([]*types.Attempt, error) {
	var rows []attemptRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+attemptColumns+` FROM attempts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return rowsToAttempts(rows)
}

// Delete removes the attempt and reports whether a row existed.
func (AttemptRepo) Delete(ctx context.Context, q storage.Querier, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM attempts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete attempt %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func rowsToAttempts(rows []attemptRow) ([]*types.Attempt, error) {
	out := make([]*types.Attempt, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAttempt()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
