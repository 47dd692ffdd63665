package run

import (
	"context"
	"time"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// HeartbeatInput is one progress report from a run supervisor. CheckAt
// and ActivityAt are ISO-8601 instants; CheckAt empty means now,
// ActivityAt empty means no activity was observed this beat.
type HeartbeatInput struct {
	RunID           string
	StdoutBytes     int64
	StderrBytes     int64
	TranscriptBytes int64
	DeltaBytes      int64
	CheckAt         string
	ActivityAt      string
}

// Heartbeat validates and upserts the per-run heartbeat row. One row per
// run; ingestion cost does not grow with run age.
func (s *Service) Heartbeat(ctx context.Context, in HeartbeatInput) (*types.RunHeartbeat, error) {
	if in.RunID == "" {
		return nil, errdefs.NewValidation("runId", "must not be empty")
	}

	now := time.Now()
	checkAt := now
	if in.CheckAt != "" {
		t, err := storage.ParseTime(in.CheckAt)
		if err != nil {
			return nil, &errdefs.InvalidDateError{Field: "checkAt", Value: in.CheckAt}
		}
		checkAt = t
	}
	var activityAt *time.Time
	if in.ActivityAt != "" {
		t, err := storage.ParseTime(in.ActivityAt)
		if err != nil {
			return nil, &errdefs.InvalidDateError{Field: "activityAt", Value: in.ActivityAt}
		}
		activityAt = &t
	}

	if _, err := s.runs.Get(ctx, s.db, in.RunID); err != nil {
		return nil, err
	}

	hb := &types.RunHeartbeat{
		RunID:           in.RunID,
		LastCheckAt:     checkAt,
		LastActivityAt:  activityAt,
		StdoutBytes:     in.StdoutBytes,
		StderrBytes:     in.StderrBytes,
		TranscriptBytes: in.TranscriptBytes,
		LastDeltaBytes:  in.DeltaBytes,
		UpdatedAt:       now,
	}
	if err := s.beats.Upsert(ctx, s.db, hb); err != nil {
		return nil, err
	}

	metrics.HeartbeatsIngested.Inc()
	s.logger.Debug().Str("run_id", in.RunID).Int64("delta_bytes", in.DeltaBytes).Msg("Heartbeat ingested")
	return hb, nil
}

// HeartbeatFor returns the heartbeat state for a run, or nil when the
// run has never reported.
func (s *Service) HeartbeatFor(ctx context.Context, runID string) (*types.RunHeartbeat, error) {
	return s.beats.Get(ctx, s.db, runID)
}
