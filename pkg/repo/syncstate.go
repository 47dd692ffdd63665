package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/storage"
)

// SyncStateRepo maps the sync_config key/value table that tracks
// auto-sync mode and per-kind export/import watermarks.
type SyncStateRepo struct{}

// Get returns the value for key and whether it was present.
func (SyncStateRepo) Get(ctx context.Context, q storage.Querier, key string) (string, bool, error) {
	var value string
	err := sqlx.GetContext(ctx, q, &value,
		`SELECT value FROM sync_config WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read sync config %s: %w", key, err)
	}
	return value, true, nil
}

func (SyncStateRepo) Set(ctx context.Context, q storage.Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("write sync config %s: %w", key, err)
	}
	return nil
}

// All returns the full sync_config table as a map.
func (SyncStateRepo) All(ctx context.Context, q storage.Querier) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT key, value FROM sync_config`)
	if err != nil {
		return nil, fmt.Errorf("read sync config: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
