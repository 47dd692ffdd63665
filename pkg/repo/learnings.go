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

type learningRow struct {
	ID           int64   `db:"id"`
	Content      string  `db:"content"`
	SourceType   string  `db:"source_type"`
	SourceRef    *string `db:"source_ref"`
	Keywords     string  `db:"keywords"`
	Category     string  `db:"category"`
	UsageCount   int     `db:"usage_count"`
	LastUsedAt   *string `db:"last_used_at"`
	OutcomeScore float64 `db:"outcome_score"`
	Embedding    []byte  `db:"embedding"`
	RunID        *string `db:"run_id"`
	CreatedAt    string  `db:"created_at"`
}

func (r learningRow) toLearning() (*types.Learning, error) {
	keywords, err := decodeStrings(r.Keywords)
	if err != nil {
		return nil, fmt.Errorf("learning %d: %w", r.ID, err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("learning %d created_at: %w", r.ID, err)
	}
	lastUsedAt, err := parseTimePtr(r.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("learning %d last_used_at: %w", r.ID, err)
	}
	return &types.Learning{
		ID:           r.ID,
		Content:      r.Content,
		SourceType:   types.LearningSource(r.SourceType),
		SourceRef:    r.SourceRef,
		Keywords:     keywords,
		Category:     r.Category,
		UsageCount:   r.UsageCount,
		LastUsedAt:   lastUsedAt,
		OutcomeScore: r.OutcomeScore,
		Embedding:    r.Embedding,
		RunID:        r.RunID,
		CreatedAt:    createdAt,
	}, nil
}

const learningColumns = `id, content, source_type, source_ref, keywords, category,
	usage_count, last_used_at, outcome_score, embedding, run_id, created_at`

// LearningFilter narrows List results. Zero values mean no constraint.
type LearningFilter struct {
	SourceType types.LearningSource
	Category   string
	RunID      string
	Limit      int
	Offset     int
}

// SearchHit pairs a learning with its BM25 rank from the FTS index.
// Lower rank is a better match.
type SearchHit struct {
	Learning *types.Learning
	Rank     float64
}

// LearningRepo maps learnings and the FTS index kept in sync by
// triggers.
type LearningRepo struct{}

func (LearningRepo) Insert(ctx context.Context, q storage.Querier, l *types.Learning) (int64, error) {
	keywords, err := encodeStrings(l.Keywords)
	if err != nil {
		return 0, fmt.Errorf("learning: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO learnings (content, source_type, source_ref, keywords, category,
			usage_count, last_used_at, outcome_score, embedding, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Content, string(l.SourceType), l.SourceRef, keywords, l.Category,
		l.UsageCount, formatTimePtr(l.LastUsedAt), l.OutcomeScore, l.Embedding,
		l.RunID, storage.FormatTime(l.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert learning: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("learning insert id: %w", err)
	}
	return id, nil
}

// UpsertWithID writes a learning under an explicit id, for file import
// where ids are fixed by the exporting side. Usage stats and embeddings
// are machine-local and survive an overwrite.
func (LearningRepo) UpsertWithID(ctx context.Context, q storage.Querier, l *types.Learning) error {
	keywords, err := encodeStrings(l.Keywords)
	if err != nil {
		return fmt.Errorf("learning %d: %w", l.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO learnings (`+learningColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			source_type = excluded.source_type,
			source_ref = excluded.source_ref,
			keywords = excluded.keywords,
			category = excluded.category,
			outcome_score = excluded.outcome_score,
			run_id = excluded.run_id,
			created_at = excluded.created_at`,
		l.ID, l.Content, string(l.SourceType), l.SourceRef, keywords, l.Category,
		l.UsageCount, formatTimePtr(l.LastUsedAt), l.OutcomeScore, l.Embedding,
		l.RunID, storage.FormatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert learning %d: %w", l.ID, err)
	}
	return nil
}

func (LearningRepo) Get(ctx context.Context, q storage.Querier, id int64) (*types.Learning, error) {
	var row learningRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+learningColumns+` FROM learnings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.LearningNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get learning %d: %w", id, err)
	}
	return row.toLearning()
}

// ByIDs returns learnings keyed by id. Missing ids are absent from the
// map.
func (LearningRepo) ByIDs(ctx context.Context, q storage.Querier, ids []int64) (map[int64]*types.Learning, error) {
	out := make(map[int64]*types.Learning, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+learningColumns+` FROM learnings WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	var rows []learningRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	for _, row := range rows {
		l, err := row.toLearning()
		if err != nil {
			return nil, err
		}
		out[l.ID] = l
	}
	return out, nil
}

func (LearningRepo) Exists(ctx context.Context, q storage.Querier, id int64) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n,
		`SELECT count(*) FROM learnings WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("learning exists %d: %w", id, err)
	}
	return n > 0, nil
}

// Delete removes the learning and reports whether a row existed.
// Anchors cascade via foreign key; the FTS triggers keep the index in
// step.
func (LearningRepo) Delete(ctx context.Context, q storage.Querier, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM learnings WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete learning %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (LearningRepo) List(ctx context.Context, q storage.Querier, f LearningFilter) ([]*types.Learning, error) {
	query := `SELECT ` + learningColumns + ` FROM learnings WHERE 1=1`
	args := []any{}
	if f.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(f.SourceType))
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	var rows []learningRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	return rowsToLearnings(rows)
}

// ListAll returns every learning ordered by id, for export.
func (LearningRepo) ListAll(ctx context.Context, q storage.Querier) ([]*types.Learning, error) {
	var rows []learningRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+learningColumns+` FROM learnings ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all learnings: %w", err)
	}
	return rowsToLearnings(rows)
}

// Search runs an FTS5 MATCH over content, keywords and category and
// returns hits best-first. Rank is raw bm25 output, so lower is better.
func (LearningRepo) Search(ctx context.Context, q storage.Querier, match string, limit int) ([]SearchHit, error) {
	query := `
		SELECT ` + prefixedLearningColumns("l") + `, bm25(learnings_fts) AS rank
		FROM learnings_fts
		JOIN learnings l ON l.id = learnings_fts.rowid
		WHERE learnings_fts MATCH ?
		ORDER BY rank ASC`
	args := []any{match}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	type rankedRow struct {
		Rank float64 `db:"rank"`
		learningRow
	}
	var rows []rankedRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("search learnings: %w", err)
	}
	out := make([]SearchHit, 0, len(rows))
	for _, row := range rows {
		l, err := row.toLearning()
		if err != nil {
			return nil, err
		}
		out = append(out, SearchHit{Learning: l, Rank: row.Rank})
	}
	return out, nil
}

// ListRecentWithEmbeddings returns the newest learnings that carry an
// embedding, for the vector leg of recall.
func (LearningRepo) ListRecentWithEmbeddings(ctx context.Context, q storage.Querier, limit int) ([]*types.Learning, error) {
	var rows []learningRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT `+learningColumns+` FROM learnings
		WHERE embedding IS NOT NULL
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list embedded learnings: %w", err)
	}
	return rowsToLearnings(rows)
}

// TouchUsage bumps usage_count and last_used_at for learnings returned
// by recall.
func (LearningRepo) TouchUsage(ctx context.Context, q storage.Querier, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE learnings SET usage_count = usage_count + 1, last_used_at = ? WHERE id IN (?)`,
		storage.FormatTime(at), ids)
	if err != nil {
		return fmt.Errorf("touch learnings: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch learnings: %w", err)
	}
	return nil
}

// SetEmbedding stores the encoded vector for a learning.
func (LearningRepo) SetEmbedding(ctx context.Context, q storage.Querier, id int64, embedding []byte) error {
	res, err := q.ExecContext(ctx,
		`UPDATE learnings SET embedding = ? WHERE id = ?`, embedding, id)
	if err != nil {
		return fmt.Errorf("set embedding %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.LearningNotFoundError{ID: id}
	}
	return nil
}

func (LearningRepo) Count(ctx context.Context, q storage.Querier) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT count(*) FROM learnings`); err != nil {
		return 0, fmt.Errorf("count learnings: %w", err)
	}
	return n, nil
}

// ConfigMap reads learnings_config as a string map. Recall treats these
// as overrides of the configured weights.
func (LearningRepo) ConfigMap(ctx context.Context, q storage.Querier) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT key, value FROM learnings_config`)
	if err != nil {
		return nil, fmt.Errorf("read learnings config: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// SetConfig writes one learnings_config override.
func (LearningRepo) SetConfig(ctx context.Context, q storage.Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO learnings_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set learnings config %s: %w", key, err)
	}
	return nil
}

func rowsToLearnings(rows []learningRow) ([]*types.Learning, error) {
	out := make([]*types.Learning, 0, len(rows))
	for _, row := range rows {
		l, err := row.toLearning()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func prefixedLearningColumns(alias string) string {
	return alias + `.id, ` + alias + `.content, ` + alias + `.source_type, ` + alias + `.source_ref, ` +
		alias + `.keywords, ` + alias + `.category, ` + alias + `.usage_count, ` + alias + `.last_used_at, ` +
		alias + `.outcome_score, ` + alias + `.embedding, ` + alias + `.run_id, ` + alias + `.created_at`
}
