package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type workerRow struct {
	ID              string  `db:"id"`
	Name            string  `db:"name"`
	Hostname        string  `db:"hostname"`
	PID             *int    `db:"pid"`
	Status          string  `db:"status"`
	CurrentTaskID   *string `db:"current_task_id"`
	Capabilities    string  `db:"capabilities"`
	Metadata        string  `db:"metadata"`
	RegisteredAt    string  `db:"registered_at"`
	LastHeartbeatAt string  `db:"last_heartbeat_at"`
}

func (r workerRow) toWorker() (*types.Worker, error) {
	caps, err := decodeStrings(r.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", r.ID, err)
	}
	meta, err := decodeMeta(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", r.ID, err)
	}
	registeredAt, err := parseTime(r.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("worker %s registered_at: %w", r.ID, err)
	}
	heartbeatAt, err := parseTime(r.LastHeartbeatAt)
	if err != nil {
		return nil, fmt.Errorf("worker %s last_heartbeat_at: %w", r.ID, err)
	}
	return &types.Worker{
		ID:              r.ID,
		Name:            r.Name,
		Hostname:        r.Hostname,
		PID:             r.PID,
		Status:          types.WorkerStatus(r.Status),
		CurrentTaskID:   r.CurrentTaskID,
		Capabilities:    caps,
		Metadata:        meta,
		RegisteredAt:    registeredAt,
		LastHeartbeatAt: heartbeatAt,
	}, nil
}

const workerColumns = `id, name, hostname, pid, status, current_task_id,
	capabilities, metadata, registered_at, last_heartbeat_at`

// WorkerRepo maps registered workers.
type WorkerRepo struct{}

// Upsert registers the worker or refreshes an existing registration in
// place, preserving nothing from the previous row.
func (WorkerRepo) Upsert(ctx context.Context, q storage.Querier, w *types.Worker) error {
	caps, err := encodeStrings(w.Capabilities)
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.ID, err)
	}
	meta, err := encodeMeta(w.Metadata)
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		w.ID, w.Name, w.Hostname, w.PID, string(w.Status), w.CurrentTaskID,
		caps, meta, storage.FormatTime(w.RegisteredAt), storage.FormatTime(w.LastHeartbeatAt))
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

func (WorkerRepo) Get(ctx context.Context, q storage.Querier, id string) (*types.Worker, error) {
	var row workerRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.WorkerNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return row.toWorker()
}

func (WorkerRepo) Exists(ctx context.Context, q storage.Querier, id string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n,
		`SELECT count(*) FROM workers WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("worker exists %s: %w", id, err)
	}
	return n > 0, nil
}

func (WorkerRepo) List(ctx context.Context, q storage.Querier, status types.WorkerStatus) ([]*types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY registered_at ASC`

	var rows []workerRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]*types.Worker, 0, len(rows))
	for _, row := range rows {
		w, err := row.toWorker()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// SetStatus updates the lifecycle status and, for busy workers, the task
// being worked. currentTaskID may be nil to clear it.
func (WorkerRepo) SetStatus(ctx context.Context, q storage.Querier, id string, status types.WorkerStatus, currentTaskID *string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE workers SET status = ?, current_task_id = ? WHERE id = ?`,
		string(status), currentTaskID, id)
	if err != nil {
		return fmt.Errorf("set worker %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.WorkerNotFoundError{ID: id}
	}
	return nil
}

// Heartbeat bumps last_heartbeat_at without touching anything else.
func (WorkerRepo) Heartbeat(ctx context.Context, q storage.Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`,
		storage.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("worker heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.WorkerNotFoundError{ID: id}
	}
	return nil
}

// MarkDeadBefore flips workers whose last heartbeat precedes cutoff to
// dead and returns their ids.
func (WorkerRepo) MarkDeadBefore(ctx context.Context, q storage.Querier, cutoff time.Time) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q, &ids,
		`SELECT id FROM workers WHERE status NOT IN ('dead','stopping') AND last_heartbeat_at < ? ORDER BY id`,
		storage.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("find stale workers: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	query, args, err := sqlx.In(
		`UPDATE workers SET status = 'dead', current_task_id = NULL WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("mark workers dead: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("mark workers dead: %w", err)
	}
	return ids, nil
}

func (WorkerRepo) Delete(ctx context.Context, q storage.Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.WorkerNotFoundError{ID: id}
	}
	return nil
}

// CountByStatus returns worker counts grouped by status.
func (WorkerRepo) CountByStatus(ctx context.Context, q storage.Querier) (map[types.WorkerStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT status, count(*) AS n FROM workers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count workers: %w", err)
	}
	out := make(map[types.WorkerStatus]int, len(rows))
	for _, row := range rows {
		out[types.WorkerStatus(row.Status)] = row.N
	}
	return out, nil
}
