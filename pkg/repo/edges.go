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

type edgeRow struct {
	ID         int64   `db:"id"`
	SourceKind string  `db:"source_kind"`
	SourceID   string  `db:"source_id"`
	TargetKind string  `db:"target_kind"`
	TargetID   string  `db:"target_id"`
	EdgeType   string  `db:"edge_type"`
	Weight     float64 `db:"weight"`
	Metadata   string  `db:"metadata"`
	Valid      bool    `db:"valid"`
	CreatedAt  string  `db:"created_at"`
}

func (r edgeRow) toEdge() (*types.Edge, error) {
	meta, err := decodeMeta(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("edge %d: %w", r.ID, err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("edge %d created_at: %w", r.ID, err)
	}
	return &types.Edge{
		ID:         r.ID,
		SourceKind: types.NodeKind(r.SourceKind),
		SourceID:   r.SourceID,
		TargetKind: types.NodeKind(r.TargetKind),
		TargetID:   r.TargetID,
		Type:       types.EdgeType(r.EdgeType),
		Weight:     r.Weight,
		Metadata:   meta,
		Valid:      r.Valid,
		CreatedAt:  createdAt,
	}, nil
}

const edgeColumns = `id, source_kind, source_id, target_kind, target_id,
	edge_type, weight, metadata, valid, created_at`

// EdgeRepo maps graph edges. Queries exclude soft-deleted rows unless
// noted otherwise.
type EdgeRepo struct{}

func (EdgeRepo) Insert(ctx context.Context, q storage.Querier, e *types.Edge) (int64, error) {
	meta, err := encodeMeta(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("edge: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO edges (source_kind, source_id, target_kind, target_id,
			edge_type, weight, metadata, valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		string(e.SourceKind), e.SourceID, string(e.TargetKind), e.TargetID,
		string(e.Type), e.Weight, meta, storage.FormatTime(e.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert edge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("edge insert id: %w", err)
	}
	return id, nil
}

func (EdgeRepo) Get(ctx context.Context, q storage.Querier, id int64) (*types.Edge, error) {
	var row edgeRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.EdgeNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get edge %d: %w", id, err)
	}
	return row.toEdge()
}

// FindExisting returns the valid edge with the same endpoints and type,
// or nil. Used to keep edge creation idempotent at the service level.
func (EdgeRepo) FindExisting(ctx context.Context, q storage.Querier, e *types.Edge) (*types.Edge, error) {
	var row edgeRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT `+edgeColumns+` FROM edges
		WHERE valid = 1
		  AND source_kind = ? AND source_id = ?
		  AND target_kind = ? AND target_id = ?
		  AND edge_type = ?
		LIMIT 1`,
		string(e.SourceKind), e.SourceID, string(e.TargetKind), e.TargetID, string(e.Type))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find edge: %w", err)
	}
	return row.toEdge()
}

// Update rewrites the edge's mutable fields, weight and metadata.
// Soft-deleted edges are not updatable.
func (EdgeRepo) Update(ctx context.Context, q storage.Querier, id int64, weight float64, metadata map[string]any) error {
	meta, err := encodeMeta(metadata)
	if err != nil {
		return fmt.Errorf("edge %d: %w", id, err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE edges SET weight = ?, metadata = ? WHERE id = ? AND valid = 1`,
		weight, meta, id)
	if err != nil {
		return fmt.Errorf("update edge %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.EdgeNotFoundError{ID: id}
	}
	return nil
}

// Invalidate soft-deletes the edge. Reports whether a valid row changed.
func (EdgeRepo) Invalidate(ctx context.Context, q storage.Querier, id int64) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE edges SET valid = 0 WHERE id = ? AND valid = 1`, id)
	if err != nil {
		return false, fmt.Errorf("invalidate edge %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// From returns valid edges leaving the node, optionally restricted to
// the given types.
func (EdgeRepo) From(ctx context.Context, q storage.Querier, kind types.NodeKind, id string, edgeTypes []types.EdgeType) ([]*types.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE valid = 1 AND source_kind = ? AND source_id = ?`
	args := []any{string(kind), id}
	query, args, err := appendTypeFilter(query, args, edgeTypes)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY id ASC`

	var rows []edgeRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("edges from %s/%s: %w", kind, id, err)
	}
	return rowsToEdges(rows)
}

// To returns valid edges entering the node, optionally restricted to the
// given types.
func (EdgeRepo) To(ctx context.Context, q storage.Querier, kind types.NodeKind, id string, edgeTypes []types.EdgeType) ([]*types.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE valid = 1 AND target_kind = ? AND target_id = ?`
	args := []any{string(kind), id}
	query, args, err := appendTypeFilter(query, args, edgeTypes)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY id ASC`

	var rows []edgeRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("edges to %s/%s: %w", kind, id, err)
	}
	return rowsToEdges(rows)
}

// Touching returns valid edges where the node appears on either end, for
// bidirectional traversal in one query per node.
func (EdgeRepo) Touching(ctx context.Context, q storage.Querier, kind types.NodeKind, id string, edgeTypes []types.EdgeType) ([]*types.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges
		WHERE valid = 1 AND ((source_kind = ? AND source_id = ?) OR (target_kind = ? AND target_id = ?))`
	args := []any{string(kind), id, string(kind), id}
	query, args, err := appendTypeFilter(query, args, edgeTypes)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY id ASC`

	var rows []edgeRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("edges touching %s/%s: %w", kind, id, err)
	}
	return rowsToEdges(rows)
}

// ByType returns valid edges of one type, newest first.
func (EdgeRepo) ByType(ctx context.Context, q storage.Querier, edgeType types.EdgeType, limit int) ([]*types.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE valid = 1 AND edge_type = ? ORDER BY id DESC`
	args := []any{string(edgeType)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []edgeRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("edges by type %s: %w", edgeType, err)
	}
	return rowsToEdges(rows)
}

// CountByType returns valid edge counts grouped by type.
func (EdgeRepo) CountByType(ctx context.Context, q storage.Querier) (map[types.EdgeType]int, error) {
	var rows []struct {
		EdgeType string `db:"edge_type"`
		N        int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT edge_type, count(*) AS n FROM edges WHERE valid = 1 GROUP BY edge_type`)
	if err != nil {
		return nil, fmt.Errorf("count edges: %w", err)
	}
	out := make(map[types.EdgeType]int, len(rows))
	for _, row := range rows {
		out[types.EdgeType(row.EdgeType)] = row.N
	}
	return out, nil
}

func appendTypeFilter(query string, args []any, edgeTypes []types.EdgeType) (string, []any, error) {
	if len(edgeTypes) == 0 {
		return query, args, nil
	}
	names := make([]string, len(edgeTypes))
	for i, t := range edgeTypes {
		names[i] = string(t)
	}
	expanded, inArgs, err := sqlx.In(` AND edge_type IN (?)`, names)
	if err != nil {
		return "", nil, fmt.Errorf("edge type filter: %w", err)
	}
	return query + expanded, append(args, inArgs...), nil
}

func rowsToEdges(rows []edgeRow) ([]*types.Edge, error) {
	out := make([]*types.Edge, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEdge()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
