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

type anchorRow struct {
	ID           int64   `db:"id"`
	LearningID   int64   `db:"learning_id"`
	Kind         string  `db:"kind"`
	FilePath     string  `db:"file_path"`
	Value        string  `db:"value"`
	ContentHash  *string `db:"content_hash"`
	SymbolFqname *string `db:"symbol_fqname"`
	LineStart    *int    `db:"line_start"`
	LineEnd      *int    `db:"line_end"`
	Status       string  `db:"status"`
	CreatedAt    string  `db:"created_at"`
	VerifiedAt   *string `db:"verified_at"`
}

func (r anchorRow) toAnchor() (*types.Anchor, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("anchor %d created_at: %w", r.ID, err)
	}
	verifiedAt, err := parseTimePtr(r.VerifiedAt)
	if err != nil {
		return nil, fmt.Errorf("anchor %d verified_at: %w", r.ID, err)
	}
	return &types.Anchor{
		ID:           r.ID,
		LearningID:   r.LearningID,
		Kind:         types.AnchorKind(r.Kind),
		FilePath:     r.FilePath,
		Value:        r.Value,
		ContentHash:  r.ContentHash,
		SymbolFqname: r.SymbolFqname,
		LineStart:    r.LineStart,
		LineEnd:      r.LineEnd,
		Status:       types.AnchorStatus(r.Status),
		CreatedAt:    createdAt,
		VerifiedAt:   verifiedAt,
	}, nil
}

const anchorColumns = `id, learning_id, kind, file_path, value, content_hash,
	symbol_fqname, line_start, line_end, status, created_at, verified_at`

// AnchorRepo maps learning-to-file anchors.
type AnchorRepo struct{}

func (AnchorRepo) Insert(ctx context.Context, q storage.Querier, a *types.Anchor) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO anchors (learning_id, kind, file_path, value, content_hash,
			symbol_fqname, line_start, line_end, status, created_at, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.LearningID, string(a.Kind), a.FilePath, a.Value, a.ContentHash,
		a.SymbolFqname, a.LineStart, a.LineEnd, string(a.Status),
		storage.FormatTime(a.CreatedAt), formatTimePtr(a.VerifiedAt))
	if err != nil {
		return 0, fmt.Errorf("insert anchor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("anchor insert id: %w", err)
	}
	return id, nil
}

func (AnchorRepo) Get(ctx context.Context, q storage.Querier, id int64) (*types.Anchor, error) {
	var row anchorRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+anchorColumns+` FROM anchors WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.AnchorNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get anchor %d: %w", id, err)
	}
	return row.toAnchor()
}

func (AnchorRepo) ListByLearning(ctx context.Context, q storage.Querier, learningID int64) ([]*types.Anchor, error) {
	var rows []anchorRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+anchorColumns+` FROM anchors WHERE learning_id = ? ORDER BY id ASC`, learningID)
	if err != nil {
		return nil, fmt.Errorf("list anchors for learning %d: %w", learningID, err)
	}
	return rowsToAnchors(rows)
}

func (AnchorRepo) ListByFile(ctx context.Context, q storage.Querier, filePath string) ([]*types.Anchor, error) {
	var rows []anchorRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+anchorColumns+` FROM anchors WHERE file_path = ? ORDER BY id ASC`, filePath)
	if err != nil {
		return nil, fmt.Errorf("list anchors for %s: %w", filePath, err)
	}
	return rowsToAnchors(rows)
}

func (AnchorRepo) ListByStatus(ctx context.Context, q storage.Querier, status types.AnchorStatus) ([]*types.Anchor, error) {
	var rows []anchorRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+anchorColumns+` FROM anchors WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s anchors: %w", status, err)
	}
	return rowsToAnchors(rows)
}

// SetStatus records a verification outcome.
func (AnchorRepo) SetStatus(ctx context.Context, q storage.Querier, id int64, status types.AnchorStatus, verifiedAt time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE anchors SET status = ?, verified_at = ? WHERE id = ?`,
		string(status), storage.FormatTime(verifiedAt), id)
	if err != nil {
		return fmt.Errorf("set anchor %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.AnchorNotFoundError{ID: id}
	}
	return nil
}

func (AnchorRepo) Delete(ctx context.Context, q storage.Querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM anchors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete anchor %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.AnchorNotFoundError{ID: id}
	}
	return nil
}

// CountByStatus returns anchor counts grouped by verification status.
func (AnchorRepo) CountByStatus(ctx context.Context, q storage.Querier) (map[types.AnchorStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT status, count(*) AS n FROM anchors GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count anchors: %w", err)
	}
	out := make(map[types.AnchorStatus]int, len(rows))
	for _, row := range rows {
		out[types.AnchorStatus(row.Status)] = row.N
	}
	return out, nil
}

func rowsToAnchors(rows []anchorRow) ([]*types.Anchor, error) {
	out := make([]*types.Anchor, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAnchor()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
