package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type eventRow struct {
	ID         int64   `db:"id"`
	TS         string  `db:"ts"`
	EventType  string  `db:"event_type"`
	RunID      *string `db:"run_id"`
	TaskID     *string `db:"task_id"`
	Agent      *string `db:"agent"`
	ToolName   *string `db:"tool_name"`
	Content    string  `db:"content"`
	Metadata   string  `db:"metadata"`
	DurationMs *int64  `db:"duration_ms"`
}

func (r eventRow) toEvent() (*types.Event, error) {
	meta, err := decodeMeta(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.ID, err)
	}
	ts, err := parseTime(r.TS)
	if err != nil {
		return nil, fmt.Errorf("event %d ts: %w", r.ID, err)
	}
	return &types.Event{
		ID:         r.ID,
		Timestamp:  ts,
		Type:       types.EventType(r.EventType),
		RunID:      r.RunID,
		TaskID:     r.TaskID,
		Agent:      r.Agent,
		ToolName:   r.ToolName,
		Content:    r.Content,
		Metadata:   meta,
		DurationMs: r.DurationMs,
	}, nil
}

const eventColumns = `id, ts, event_type, run_id, task_id, agent, tool_name, content, metadata, duration_ms`

// EventFilter narrows event queries. Zero values mean no constraint.
type EventFilter struct {
	RunID  string
	TaskID string
	Type   types.EventType
	Limit  int
}

// EventRepo maps the append-only activity log.
type EventRepo struct{}

// Insert appends an event and fills in its assigned id.
func (EventRepo) Insert(ctx context.Context, q storage.Querier, e *types.Event) error {
	meta, err := encodeMeta(e.Metadata)
	if err != nil {
		return fmt.Errorf("event: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO events (ts, event_type, run_id, task_id, agent, tool_name, content, metadata, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		storage.FormatTime(e.Timestamp), string(e.Type),
		e.RunID, e.TaskID, e.Agent, e.ToolName,
		e.Content, meta, e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// List returns events matching the filter, oldest first.
func (EventRepo) List(ctx context.Context, q storage.Querier, f EventFilter) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*types.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Recent returns the newest events matching the filter, newest first.
func (EventRepo) Recent(ctx context.Context, q storage.Querier, f EventFilter) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]*types.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CountByType returns event counts grouped by type.
func (EventRepo) CountByType(ctx context.Context, q storage.Querier) (map[types.EventType]int, error) {
	var rows []struct {
		EventType string `db:"event_type"`
		N         int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT event_type, count(*) AS n FROM events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	out := make(map[types.EventType]int, len(rows))
	for _, row := range rows {
		out[types.EventType(row.EventType)] = row.N
	}
	return out, nil
}
