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

type taskRow struct {
	ID           string  `db:"id"`
	Title        string  `db:"title"`
	Description  string  `db:"description"`
	Status       string  `db:"status"`
	ParentID     *string `db:"parent_id"`
	Score        int     `db:"score"`
	AssigneeType *string `db:"assignee_type"`
	AssigneeID   *string `db:"assignee_id"`
	AssignedAt   *string `db:"assigned_at"`
	AssignedBy   *string `db:"assigned_by"`
	Metadata     string  `db:"metadata"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	CompletedAt  *string `db:"completed_at"`
}

func (r taskRow) toTask() (*types.Task, error) {
	meta, err := decodeMeta(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", r.ID, err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", r.ID, err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", r.ID, err)
	}
	completedAt, err := parseTimePtr(r.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s completed_at: %w", r.ID, err)
	}
	assignedAt, err := parseTimePtr(r.AssignedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s assigned_at: %w", r.ID, err)
	}

	t := &types.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      types.TaskStatus(r.Status),
		ParentID:    r.ParentID,
		Score:       r.Score,
		AssigneeID:  r.AssigneeID,
		AssignedAt:  assignedAt,
		AssignedBy:  r.AssignedBy,
		Metadata:    meta,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		CompletedAt: completedAt,
	}
	if r.AssigneeType != nil {
		kind := types.AssigneeKind(*r.AssigneeType)
		t.AssigneeType = &kind
	}
	return t, nil
}

func taskToRow(t *types.Task) (taskRow, error) {
	meta, err := encodeMeta(t.Metadata)
	if err != nil {
		return taskRow{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	r := taskRow{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		ParentID:    t.ParentID,
		Score:       t.Score,
		AssigneeID:  t.AssigneeID,
		AssignedAt:  formatTimePtr(t.AssignedAt),
		AssignedBy:  t.AssignedBy,
		Metadata:    meta,
		CreatedAt:   storage.FormatTime(t.CreatedAt),
		UpdatedAt:   storage.FormatTime(t.UpdatedAt),
		CompletedAt: formatTimePtr(t.CompletedAt),
	}
	if t.AssigneeType != nil {
		s := string(*t.AssigneeType)
		r.AssigneeType = &s
	}
	return r, nil
}

const taskColumns = `id, title, description, status, parent_id, score,
	assignee_type, assignee_id, assigned_at, assigned_by,
	metadata, created_at, updated_at, completed_at`

// TaskFilter narrows List results. Zero values mean no constraint.
type TaskFilter struct {
	Status     types.TaskStatus
	ParentID   *string
	AssigneeID string
	Limit      int
	Offset     int
}

// TaskRepo maps tasks and answers the readiness queries that depend on
// the dependencies table.
type TaskRepo struct{}

func (TaskRepo) Insert(ctx context.Context, q storage.Querier, t *types.Task) error {
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Title, row.Description, row.Status, row.ParentID, row.Score,
		row.AssigneeType, row.AssigneeID, row.AssignedAt, row.AssignedBy,
		row.Metadata, row.CreatedAt, row.UpdatedAt, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (TaskRepo) Get(ctx context.Context, q storage.Querier, id string) (*types.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.TaskNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toTask()
}

func (TaskRepo) Exists(ctx context.Context, q storage.Querier, id string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n,
		`SELECT count(*) FROM tasks WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("task exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Update writes every mutable column from t. Callers load the row first
// and patch fields, so a full write keeps the mapper simple.
func (TaskRepo) Update(ctx context.Context, q storage.Querier, t *types.Task) error {
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, status = ?, parent_id = ?, score = ?,
			assignee_type = ?, assignee_id = ?, assigned_at = ?, assigned_by = ?,
			metadata = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		row.Title, row.Description, row.Status, row.ParentID, row.Score,
		row.AssigneeType, row.AssigneeID, row.AssignedAt, row.AssignedBy,
		row.Metadata, row.UpdatedAt, row.CompletedAt, row.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.TaskNotFoundError{ID: t.ID}
	}
	return nil
}

// Delete removes the task row. Dependencies and attempts cascade via
// foreign keys; child tasks get parent_id set to NULL.
func (TaskRepo) Delete(ctx context.Context, q storage.Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.TaskNotFoundError{ID: id}
	}
	return nil
}

func (TaskRepo) List(ctx context.Context, q storage.Querier, f TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.ParentID != nil {
		query += ` AND parent_id = ?`
		args = append(args, *f.ParentID)
	}
	if f.AssigneeID != "" {
		query += ` AND assignee_id = ?`
		args = append(args, f.AssigneeID)
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return rowsToTasks(rows)
}

// ListByIDs returns the named tasks keyed by id. Missing ids are simply
// absent from the map.
func (TaskRepo) ListByIDs(ctx context.Context, q storage.Querier, ids []string) (map[string]*types.Task, error) {
	out := make(map[string]*types.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, nil
}

// ChildrenByParent returns all children of the given parents, keyed by
// parent id, in one query.
func (TaskRepo) ChildrenByParent(ctx context.Context, q storage.Querier, parentIDs []string) (map[string][]*types.Task, error) {
	out := make(map[string][]*types.Task, len(parentIDs))
	if len(parentIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+taskColumns+` FROM tasks
		WHERE parent_id IN (?)
		ORDER BY created_at ASC`, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		if t.ParentID != nil {
			out[*t.ParentID] = append(out[*t.ParentID], t)
		}
	}
	return out, nil
}

// ListRoots returns tasks whose parent_id is NULL. A task that points at
// itself is a cycle, not a root, and is excluded by the NULL test.
func (r TaskRepo) ListRoots(ctx context.Context, q storage.Querier) ([]*types.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	return rowsToTasks(rows)
}

// ListReady returns ready tasks with no unfinished blocker, highest score
// first, then oldest first. limit <= 0 means no limit.
func (TaskRepo) ListReady(ctx context.Context, q storage.Querier, limit int) ([]*types.Task, error) {
	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = 'ready'
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks b ON b.id = d.blocker_id
			WHERE d.blocked_id = t.id AND b.status <> 'done'
		  )
		ORDER BY t.score DESC, t.created_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	return rowsToTasks(rows)
}

// IsReady reports whether the task is in ready status with every blocker
// done. Unknown ids report false with a not-found error.
func (TaskRepo) IsReady(ctx context.Context, q storage.Querier, id string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT count(*) FROM tasks t
		WHERE t.id = ?
		  AND t.status = 'ready'
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks b ON b.id = d.blocker_id
			WHERE d.blocked_id = t.id AND b.status <> 'done'
		  )`, id)
	if err != nil {
		return false, fmt.Errorf("is ready %s: %w", id, err)
	}
	return n > 0, nil
}

// CountByStatus returns row counts grouped by status, including zero for
// statuses with no rows.
func (TaskRepo) CountByStatus(ctx context.Context, q storage.Querier) (map[types.TaskStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT status, count(*) AS n FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	out := make(map[types.TaskStatus]int, len(types.TaskStatuses))
	for _, s := range types.TaskStatuses {
		out[s] = 0
	}
	for _, row := range rows {
		out[types.TaskStatus(row.Status)] = row.N
	}
	return out, nil
}

// CountReady returns the number of tasks ListReady would yield.
func (TaskRepo) CountReady(ctx context.Context, q storage.Querier) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT count(*) FROM tasks t
		WHERE t.status = 'ready'
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks b ON b.id = d.blocker_id
			WHERE d.blocked_id = t.id AND b.status <> 'done'
		  )`)
	if err != nil {
		return 0, fmt.Errorf("count ready: %w", err)
	}
	return n, nil
}

func rowsToTasks(rows []taskRow) ([]*types.Task, error) {
	out := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
