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

type heartbeatRow struct {
	RunID           string  `db:"run_id"`
	LastCheckAt     string  `db:"last_check_at"`
	LastActivityAt  *string `db:"last_activity_at"`
	StdoutBytes     int64   `db:"stdout_bytes"`
	StderrBytes     int64   `db:"stderr_bytes"`
	TranscriptBytes int64   `db:"transcript_bytes"`
	LastDeltaBytes  int64   `db:"last_delta_bytes"`
	UpdatedAt       string  `db:"updated_at"`
}

func (r heartbeatRow) toHeartbeat() (*types.RunHeartbeat, error) {
	lastCheckAt, err := parseTime(r.LastCheckAt)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s last_check_at: %w", r.RunID, err)
	}
	lastActivityAt, err := parseTimePtr(r.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s last_activity_at: %w", r.RunID, err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s updated_at: %w", r.RunID, err)
	}
	return &types.RunHeartbeat{
		RunID:           r.RunID,
		LastCheckAt:     lastCheckAt,
		LastActivityAt:  lastActivityAt,
		StdoutBytes:     r.StdoutBytes,
		StderrBytes:     r.StderrBytes,
		TranscriptBytes: r.TranscriptBytes,
		LastDeltaBytes:  r.LastDeltaBytes,
		UpdatedAt:       updatedAt,
	}, nil
}

const heartbeatColumns = `run_id, last_check_at, last_activity_at,
	stdout_bytes, stderr_bytes, transcript_bytes, last_delta_bytes, updated_at`

// HeartbeatRepo maps per-run heartbeat state. One row per run, updated
// in place.
type HeartbeatRepo struct{}

// Upsert writes the heartbeat row for hb.RunID, replacing any previous
// state. Ingestion stays O(1) per beat regardless of run age.
func (HeartbeatRepo) Upsert(ctx context.Context, q storage.Querier, hb *types.RunHeartbeat) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO run_heartbeats (`+heartbeatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			last_check_at = excluded.last_check_at,
			last_activity_at = excluded.last_activity_at,
			stdout_bytes = excluded.stdout_bytes,
			stderr_bytes = excluded.stderr_bytes,
			transcript_bytes = excluded.transcript_bytes,
			last_delta_bytes = excluded.last_delta_bytes,
			updated_at = excluded.updated_at`,
		hb.RunID, storage.FormatTime(hb.LastCheckAt), formatTimePtr(hb.LastActivityAt),
		hb.StdoutBytes, hb.StderrBytes, hb.TranscriptBytes, hb.LastDeltaBytes,
		storage.FormatTime(hb.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert heartbeat %s: %w", hb.RunID, err)
	}
	return nil
}

// Get returns the heartbeat row for the run, or nil when the run has
// never reported.
func (HeartbeatRepo) Get(ctx context.Context, q storage.Querier, runID string) (*types.RunHeartbeat, error) {
	var row heartbeatRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+heartbeatColumns+` FROM run_heartbeats WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat %s: %w", runID, err)
	}
	return row.toHeartbeat()
}

// ByRunIDs returns heartbeat rows keyed by run id. Runs that never
// reported are absent from the map.
func (HeartbeatRepo) ByRunIDs(ctx context.Context, q storage.Querier, runIDs []string) (map[string]*types.RunHeartbeat, error) {
	out := make(map[string]*types.RunHeartbeat, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+heartbeatColumns+` FROM run_heartbeats WHERE run_id IN (?)`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	var rows []heartbeatRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	for _, row := range rows {
		hb, err := row.toHeartbeat()
		if err != nil {
			return nil, err
		}
		out[hb.RunID] = hb
	}
	return out, nil
}
