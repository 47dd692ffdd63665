package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type runRow struct {
	ID             string  `db:"id"`
	TaskID         *string `db:"task_id"`
	Agent          string  `db:"agent"`
	Status         string  `db:"status"`
	StartedAt      string  `db:"started_at"`
	EndedAt        *string `db:"ended_at"`
	ExitCode       *int    `db:"exit_code"`
	PID            *int    `db:"pid"`
	TranscriptPath *string `db:"transcript_path"`
	StdoutPath     *string `db:"stdout_path"`
	StderrPath     *string `db:"stderr_path"`
	ContextPath    *string `db:"context_path"`
	Summary        string  `db:"summary"`
	Error          string  `db:"error"`
	Metadata       string  `db:"metadata"`
}

func (r runRow) toRun() (*types.Run, error) {
	meta, err := decodeMeta(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", r.ID, err)
	}
	startedAt, err := parseTime(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("run %s started_at: %w", r.ID, err)
	}
	endedAt, err := parseTimePtr(r.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("run %s ended_at: %w", r.ID, err)
	}
	return &types.Run{
		ID:             r.ID,
		TaskID:         r.TaskID,
		Agent:          r.Agent,
		Status:         types.RunStatus(r.Status),
		StartedAt:      startedAt,
		EndedAt:        endedAt,
		ExitCode:       r.ExitCode,
		PID:            r.PID,
		TranscriptPath: r.TranscriptPath,
		StdoutPath:     r.StdoutPath,
		StderrPath:     r.StderrPath,
		ContextPath:    r.ContextPath,
		Summary:        r.Summary,
		Error:          r.Error,
		Metadata:       meta,
	}, nil
}

const runColumns = `id, task_id, agent, status, started_at, ended_at, exit_code, pid,
	transcript_path, stdout_path, stderr_path, context_path, summary, error, metadata`

// RunFilter narrows List results. Zero values mean no constraint.
type RunFilter struct {
	TaskID string
	Status types.RunStatus
	Agent  string
	Limit  int
	Offset int
}

// RunRepo maps agent runs.
type RunRepo struct{}

func (RunRepo) Insert(ctx context.Context, q storage.Querier, r *types.Run) error {
	meta, err := encodeMeta(r.Metadata)
	if err != nil {
		return fmt.Errorf("run %s: %w", r.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Agent, string(r.Status),
		storage.FormatTime(r.StartedAt), formatTimePtr(r.EndedAt),
		r.ExitCode, r.PID,
		r.TranscriptPath, r.StdoutPath, r.StderrPath, r.ContextPath,
		r.Summary, r.Error, meta)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

func (RunRepo) Get(ctx context.Context, q storage.Querier, id string) (*types.Run, error) {
	var row runRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.RunNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toRun()
}

// Update writes every mutable column from r.
func (RunRepo) Update(ctx context.Context, q storage.Querier, r *types.Run) error {
	meta, err := encodeMeta(r.Metadata)
	if err != nil {
		return fmt.Errorf("run %s: %w", r.ID, err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE runs SET
			task_id = ?, agent = ?, status = ?, started_at = ?, ended_at = ?,
			exit_code = ?, pid = ?, transcript_path = ?, stdout_path = ?,
			stderr_path = ?, context_path = ?, summary = ?, error = ?, metadata = ?
		WHERE id = ?`,
		r.TaskID, r.Agent, string(r.Status),
		storage.FormatTime(r.StartedAt), formatTimePtr(r.EndedAt),
		r.ExitCode, r.PID, r.TranscriptPath, r.StdoutPath,
		r.StderrPath, r.ContextPath, r.Summary, r.Error, meta,
		r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.RunNotFoundError{ID: r.ID}
	}
	return nil
}

func (RunRepo) List(ctx context.Context, q storage.Querier, f RunFilter) ([]*types.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	var rows []runRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*types.Run, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ListRunning returns runs still in running status, oldest first.
func (r RunRepo) ListRunning(ctx context.Context, q storage.Querier) ([]*types.Run, error) {
	runs, err := r.List(ctx, q, RunFilter{Status: types.RunStatusRunning})
	if err != nil {
		return nil, err
	}
	// List sorts newest first; the reaper wants the longest-running first.
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// CountByStatus returns run counts grouped by status.
func (RunRepo) CountByStatus(ctx context.Context, q storage.Querier) (map[types.RunStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT status, count(*) AS n FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	out := make(map[types.RunStatus]int, len(rows))
	for _, row := range rows {
		out[types.RunStatus(row.Status)] = row.N
	}
	return out, nil
}
