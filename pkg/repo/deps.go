package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// DepRepo maps blocker/blocked pairs and the reachability queries over
// them.
type DepRepo struct{}

func (DepRepo) Add(ctx context.Context, q storage.Querier, blockerID, blockedID string, createdAt time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO dependencies (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		blockerID, blockedID, storage.FormatTime(createdAt))
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", blockerID, blockedID, err)
	}
	return nil
}

// Remove deletes the pair and reports whether a row existed. Removing an
// absent pair is not an error.
func (DepRepo) Remove(ctx context.Context, q storage.Querier, blockerID, blockedID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM dependencies WHERE blocker_id = ? AND blocked_id = ?`,
		blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("remove dependency %s -> %s: %w", blockerID, blockedID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (DepRepo) Exists(ctx context.Context, q storage.Querier, blockerID, blockedID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT count(*) FROM dependencies WHERE blocker_id = ? AND blocked_id = ?`,
		blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("dependency exists: %w", err)
	}
	return n > 0, nil
}

// WouldCycle reports whether inserting blocker -> blocked would close a
// cycle, by checking whether blocked already transitively blocks blocker.
// The walk follows blocker links upward from blocker and is capped at
// depth 100 as a corruption guard.
func (DepRepo) WouldCycle(ctx context.Context, q storage.Querier, blockerID, blockedID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		WITH RECURSIVE chain(id, depth) AS (
			SELECT CAST(? AS TEXT), 0
			UNION
			SELECT d.blocker_id, c.depth + 1
			FROM dependencies d
			JOIN chain c ON d.blocked_id = c.id
			WHERE c.depth < 100
		)
		SELECT count(*) FROM chain WHERE id = ?`,
		blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("cycle check %s -> %s: %w", blockerID, blockedID, err)
	}
	return n > 0, nil
}

// UnfinishedBlockersByTask returns, for each given task, its blockers
// whose status is not done, in one query.
func (DepRepo) UnfinishedBlockersByTask(ctx context.Context, q storage.Querier, taskIDs []string) (map[string][]*types.Task, error) {
	out := make(map[string][]*types.Task, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT d.blocked_id AS group_id, `+prefixedTaskColumns("b")+`
		FROM dependencies d
		JOIN tasks b ON b.id = d.blocker_id
		WHERE d.blocked_id IN (?) AND b.status <> 'done'
		ORDER BY b.created_at ASC`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("list blockers: %w", err)
	}
	return selectGroupedTasks(ctx, q, query, args, "list blockers")
}

// BlockedTasksByBlocker returns, for each given task, the tasks it
// blocks, unfiltered by status.
func (DepRepo) BlockedTasksByBlocker(ctx context.Context, q storage.Querier, taskIDs []string) (map[string][]*types.Task, error) {
	out := make(map[string][]*types.Task, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT d.blocker_id AS group_id, `+prefixedTaskColumns("t")+`
		FROM dependencies d
		JOIN tasks t ON t.id = d.blocked_id
		WHERE d.blocker_id IN (?)
		ORDER BY t.created_at ASC`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	return selectGroupedTasks(ctx, q, query, args, "list blocked")
}

// ListSolelyBlockedBy returns the tasks whose only unfinished blocker is
// the given task. These are the tasks its completion would unblock.
func (DepRepo) ListSolelyBlockedBy(ctx context.Context, q storage.Querier, blockerID string) ([]*types.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t
		JOIN dependencies d ON d.blocked_id = t.id AND d.blocker_id = ?
		JOIN tasks blk ON blk.id = d.blocker_id AND blk.status <> 'done'
		WHERE NOT EXISTS (
			SELECT 1 FROM dependencies d2
			JOIN tasks b2 ON b2.id = d2.blocker_id
			WHERE d2.blocked_id = t.id
			  AND d2.blocker_id <> ?
			  AND b2.status <> 'done'
		)
		ORDER BY t.score DESC, t.created_at ASC`,
		blockerID, blockerID)
	if err != nil {
		return nil, fmt.Errorf("list blocking %s: %w", blockerID, err)
	}
	return rowsToTasks(rows)
}

// ListAll returns every dependency pair, for export.
func (DepRepo) ListAll(ctx context.Context, q storage.Querier) ([]*types.Dependency, error) {
	var rows []struct {
		BlockerID string `db:"blocker_id"`
		BlockedID string `db:"blocked_id"`
		CreatedAt string `db:"created_at"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT blocker_id, blocked_id, created_at FROM dependencies ORDER BY created_at ASC, blocker_id ASC, blocked_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	out := make([]*types.Dependency, 0, len(rows))
	for _, row := range rows {
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("dependency %s -> %s: %w", row.BlockerID, row.BlockedID, err)
		}
		out = append(out, &types.Dependency{
			BlockerID: row.BlockerID,
			BlockedID: row.BlockedID,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

type groupedTaskRow struct {
	GroupID string `db:"group_id"`
	taskRow
}

func selectGroupedTasks(ctx context.Context, q storage.Querier, query string, args []any, op string) (map[string][]*types.Task, error) {
	var rows []groupedTaskRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make(map[string][]*types.Task)
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out[row.GroupID] = append(out[row.GroupID], t)
	}
	return out, nil
}

// prefixedTaskColumns qualifies the task column list with a table alias
// for join queries.
func prefixedTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.title, ` + alias + `.description, ` + alias + `.status, ` +
		alias + `.parent_id, ` + alias + `.score, ` + alias + `.assignee_type, ` + alias + `.assignee_id, ` +
		alias + `.assigned_at, ` + alias + `.assigned_by, ` + alias + `.metadata, ` +
		alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.completed_at`
}
