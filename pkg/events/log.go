package events

import (
	"context"
	"time"

	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

const defaultRecentLimit = 50

// Log reads and appends the durable activity trail in the events table.
// Append takes a Querier so services can fold the write into their own
// transactions; reads run against the database directly.
type Log struct {
	db     *storage.DB
	events repo.EventRepo
}

// NewLog creates a Log over db
func NewLog(db *storage.DB) *Log {
	return &Log{db: db}
}

// Append persists e, stamping the current time when unset.
func (l *Log) Append(ctx context.Context, q storage.Querier, e *types.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return l.events.Insert(ctx, q, e)
}

// Recent returns the latest events across the whole log, newest first.
// A non-positive limit falls back to a small default.
func (l *Log) Recent(ctx context.Context, limit int) ([]*types.Event, error) {
	return l.events.Recent(ctx, l.db, repo.EventFilter{Limit: recentLimit(limit)})
}

// ForRun returns the latest events of one run, newest first.
func (l *Log) ForRun(ctx context.Context, runID string, limit int) ([]*types.Event, error) {
	return l.events.Recent(ctx, l.db, repo.EventFilter{RunID: runID, Limit: recentLimit(limit)})
}

// ForTask returns the latest events of one task, newest first.
func (l *Log) ForTask(ctx context.Context, taskID string, limit int) ([]*types.Event, error) {
	return l.events.Recent(ctx, l.db, repo.EventFilter{TaskID: taskID, Limit: recentLimit(limit)})
}

// History returns events matching f in insertion order, oldest first.
func (l *Log) History(ctx context.Context, f repo.EventFilter) ([]*types.Event, error) {
	return l.events.List(ctx, l.db, f)
}

// CountByType returns how many events of each type the log holds.
func (l *Log) CountByType(ctx context.Context) (map[types.EventType]int, error) {
	return l.events.CountByType(ctx, l.db)
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}
