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

type fileLearningRow struct {
	ID         int64   `db:"id"`
	FilePath   string  `db:"file_path"`
	LearningID *int64  `db:"learning_id"`
	Note       string  `db:"note"`
	Relevance  float64 `db:"relevance"`
	CreatedAt  string  `db:"created_at"`
	UpdatedAt  string  `db:"updated_at"`
}

func (r fileLearningRow) toFileLearning() (*types.FileLearning, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("file learning %d created_at: %w", r.ID, err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("file learning %d updated_at: %w", r.ID, err)
	}
	return &types.FileLearning{
		ID:         r.ID,
		FilePath:   r.FilePath,
		LearningID: r.LearningID,
		Note:       r.Note,
		Relevance:  r.Relevance,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

const fileLearningColumns = `id, file_path, learning_id, note, relevance, created_at, updated_at`

// FileLearningRepo maps file-scoped notes.
type FileLearningRepo struct{}

func (FileLearningRepo) Insert(ctx context.Context, q storage.Querier, fl *types.FileLearning) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO file_learnings (file_path, learning_id, note, relevance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fl.FilePath, fl.LearningID, fl.Note, fl.Relevance,
		storage.FormatTime(fl.CreatedAt), storage.FormatTime(fl.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert file learning: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("file learning insert id: %w", err)
	}
	return id, nil
}

// UpsertWithID writes a file learning under an explicit id, for file
// import.
func (FileLearningRepo) UpsertWithID(ctx context.Context, q storage.Querier, fl *types.FileLearning) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_learnings (`+fileLearningColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			learning_id = excluded.learning_id,
			note = excluded.note,
			relevance = excluded.relevance,
			updated_at = excluded.updated_at`,
		fl.ID, fl.FilePath, fl.LearningID, fl.Note, fl.Relevance,
		storage.FormatTime(fl.CreatedAt), storage.FormatTime(fl.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert file learning %d: %w", fl.ID, err)
	}
	return nil
}

// Get returns the row or nil when absent.
func (FileLearningRepo) Get(ctx context.Context, q storage.Querier, id int64) (*types.FileLearning, error) {
	var row fileLearningRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+fileLearningColumns+` FROM file_learnings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file learning %d: %w", id, err)
	}
	return row.toFileLearning()
}

// ListByFile returns notes attached to the path, most relevant first.
func (FileLearningRepo) ListByFile(ctx context.Context, q storage.Querier, filePath string) ([]*types.FileLearning, error) {
	var rows []fileLearningRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT `+fileLearningColumns+` FROM file_learnings
		WHERE file_path = ?
		ORDER BY relevance DESC, id ASC`, filePath)
	if err != nil {
		return nil, fmt.Errorf("list file learnings for %s: %w", filePath, err)
	}
	return rowsToFileLearnings(rows)
}

// ListAll returns every file learning ordered by id, for export.
func (FileLearningRepo) ListAll(ctx context.Context, q storage.Querier) ([]*types.FileLearning, error) {
	var rows []fileLearningRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+fileLearningColumns+` FROM file_learnings ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list file learnings: %w", err)
	}
	return rowsToFileLearnings(rows)
}

// Delete removes the row and reports whether it existed.
func (FileLearningRepo) Delete(ctx context.Context, q storage.Querier, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM file_learnings WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete file learning %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func rowsToFileLearnings(rows []fileLearningRow) ([]*types.FileLearning, error) {
	out := make([]*types.FileLearning, 0, len(rows))
	for _, row := range rows {
		fl, err := row.toFileLearning()
		if err != nil {
			return nil, err
		}
		out = append(out, fl)
	}
	return out, nil
}
