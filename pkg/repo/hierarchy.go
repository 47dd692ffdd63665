package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// TreeRow is one task in a subtree fetch, tagged with its depth below
// the root.
type TreeRow struct {
	Task  *types.Task
	Depth int
}

// ParentLink is the minimal row used for ancestor walks.
type ParentLink struct {
	ID       string  `db:"id"`
	ParentID *string `db:"parent_id"`
}

// HierarchyRepo answers parent/child structure queries over tasks.
type HierarchyRepo struct{}

// Descendants returns the root task and everything below it, to maxDepth
// levels, in one recursive query. The depth bound terminates the
// recursion even if parent links form a loop; callers still dedupe by id
// when assembling the tree.
func (HierarchyRepo) Descendants(ctx context.Context, q storage.Querier, rootID string, maxDepth int) ([]TreeRow, error) {
	type depthRow struct {
		Depth int `db:"depth"`
		taskRow
	}
	var rows []depthRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		WITH RECURSIVE subtree(id, depth) AS (
			SELECT CAST(? AS TEXT), 0
			UNION ALL
			SELECT t.id, s.depth + 1
			FROM tasks t
			JOIN subtree s ON t.parent_id = s.id
			WHERE s.depth < ? AND t.id <> t.parent_id
		)
		SELECT s.depth AS depth, `+prefixedTaskColumns("t")+`
		FROM subtree s
		JOIN tasks t ON t.id = s.id
		ORDER BY s.depth ASC, t.created_at ASC`,
		rootID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", rootID, err)
	}

	out := make([]TreeRow, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, TreeRow{Task: t, Depth: row.Depth})
	}
	return out, nil
}

// AncestorChain returns the parent links from the given task up toward
// the root, at most limit rows. The caller walks the result with a
// visited set, so a corrupt loop yields a short chain rather than an
// unbounded query.
func (HierarchyRepo) AncestorChain(ctx context.Context, q storage.Querier, id string, limit int) ([]ParentLink, error) {
	var rows []ParentLink
	err := sqlx.SelectContext(ctx, q, &rows, `
		WITH RECURSIVE chain(id, parent_id, depth) AS (
			SELECT t.id, t.parent_id, 0 FROM tasks t WHERE t.id = ?
			UNION ALL
			SELECT t.id, t.parent_id, c.depth + 1
			FROM tasks t
			JOIN chain c ON t.id = c.parent_id
			WHERE c.depth < ? AND t.id <> c.id
		)
		SELECT id, parent_id FROM chain ORDER BY depth ASC`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("ancestor chain of %s: %w", id, err)
	}
	return rows, nil
}
