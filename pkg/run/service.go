package run

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/events"
	"github.com/jamesaphoenix/tx/pkg/ids"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// Service manages the run lifecycle: process-level executions of an
// agent, their heartbeat state, and the reaping of stalled runs.
type Service struct {
	db     *storage.DB
	runs   repo.RunRepo
	tasks  repo.TaskRepo
	claims repo.ClaimRepo
	beats  repo.HeartbeatRepo
	events repo.EventRepo
	broker *events.Broker
	logger zerolog.Logger
}

// NewService creates a run service. broker may be nil.
func NewService(db *storage.DB, broker *events.Broker) *Service {
	return &Service{
		db:     db,
		broker: broker,
		logger: log.WithComponent("run"),
	}
}

// StartInput carries the caller-settable fields for starting a run.
type StartInput struct {
	Agent          string
	TaskID         *string
	PID            *int
	TranscriptPath *string
	StdoutPath     *string
	StderrPath     *string
	ContextPath    *string
	Metadata       map[string]any
}

// Start inserts a new run in running status and records a run_started
// event in the same transaction.
func (s *Service) Start(ctx context.Context, in StartInput) (*types.Run, error) {
	agent := strings.TrimSpace(in.Agent)
	if agent == "" {
		return nil, errdefs.NewValidation("agent", "must not be empty")
	}

	now := time.Now()
	r := &types.Run{
		ID:             ids.NewRunID(),
		TaskID:         in.TaskID,
		Agent:          agent,
		Status:         types.RunStatusRunning,
		StartedAt:      now,
		PID:            in.PID,
		TranscriptPath: in.TranscriptPath,
		StdoutPath:     in.StdoutPath,
		StderrPath:     in.StderrPath,
		ContextPath:    in.ContextPath,
		Metadata:       in.Metadata,
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}

	var evt *types.Event
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if in.TaskID != nil {
			ok, err := s.tasks.Exists(ctx, tx, *in.TaskID)
			if err != nil {
				return err
			}
			if !ok {
				return &errdefs.TaskNotFoundError{ID: *in.TaskID}
			}
		}
		if err := s.runs.Insert(ctx, tx, r); err != nil {
			return err
		}
		evt = &types.Event{
			Timestamp: now,
			Type:      types.EventRunStarted,
			RunID:     &r.ID,
			TaskID:    r.TaskID,
			Agent:     &r.Agent,
			Content:   "run started",
		}
		return s.events.Insert(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}

	s.broker.Publish(evt)
	s.logger.Info().Str("run_id", r.ID).Str("agent", agent).Msg("Run started")
	return r, nil
}

// Complete transitions a running run to completed and stamps ended_at.
func (s *Service) Complete(ctx context.Context, id, summary string) (*types.Run, error) {
	return s.end(ctx, id, types.RunStatusCompleted, types.EventRunCompleted, func(r *types.Run) {
		if summary != "" {
			r.Summary = summary
		}
	})
}

// Fail transitions a running run to failed, recording the error message.
func (s *Service) Fail(ctx context.Context, id, errMsg string) (*types.Run, error) {
	return s.end(ctx, id, types.RunStatusFailed, types.EventRunFailed, func(r *types.Run) {
		r.Error = errMsg
	})
}

// Cancel transitions a running run to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*types.Run, error) {
	return s.end(ctx, id, types.RunStatusCancelled, types.EventRunCancelled, nil)
}

// Timeout transitions a running run to timeout. The event log records it
// as a failure since the run never produced a result.
func (s *Service) Timeout(ctx context.Context, id string) (*types.Run, error) {
	return s.end(ctx, id, types.RunStatusTimeout, types.EventRunFailed, func(r *types.Run) {
		r.Error = "run timed out"
	})
}

// end performs one terminal transition. Runs already in a terminal
// status reject further transitions.
func (s *Service) end(ctx context.Context, id string, to types.RunStatus, evtType types.EventType, mutate func(*types.Run)) (*types.Run, error) {
	now := time.Now()
	var (
		r   *types.Run
		evt *types.Event
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		r, err = s.runs.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if types.RunEnded(r.Status) {
			return &errdefs.InvalidTransitionError{
				Entity: "run", ID: id,
				From: string(r.Status), To: string(to),
			}
		}
		r.Status = to
		r.EndedAt = &now
		if mutate != nil {
			mutate(r)
		}
		if err := s.runs.Update(ctx, tx, r); err != nil {
			return err
		}
		evt = &types.Event{
			Timestamp: now,
			Type:      evtType,
			RunID:     &r.ID,
			TaskID:    r.TaskID,
			Agent:     &r.Agent,
			Content:   string(to),
		}
		return s.events.Insert(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}

	s.broker.Publish(evt)
	s.logger.Info().Str("run_id", id).Str("status", string(to)).Msg("Run ended")
	return r, nil
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, id string) (*types.Run, error) {
	return s.runs.Get(ctx, s.db, id)
}

// List returns runs matching the filter, newest first.
func (s *Service) List(ctx context.Context, f repo.RunFilter) ([]*types.Run, error) {
	return s.runs.List(ctx, s.db, f)
}

// CountByStatus returns run counts grouped by status.
func (s *Service) CountByStatus(ctx context.Context) (map[types.RunStatus]int, error) {
	return s.runs.CountByStatus(ctx, s.db)
}

// Detail is the full view of one run: its row, the latest heartbeat
// state if any, and the log-capture outcome parsed from metadata.
type Detail struct {
	Run        *types.Run          `json:"run"`
	Heartbeat  *types.RunHeartbeat `json:"heartbeat"`
	LogCapture *types.LogCapture   `json:"logCapture"`
}

// Detail assembles the run detail view. It reads only; a malformed
// logCapture block is surfaced as nil rather than an error.
func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	r, err := s.runs.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	hb, err := s.beats.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Run:        r,
		Heartbeat:  hb,
		LogCapture: logCaptureFromMetadata(r.Metadata),
	}, nil
}

// logCaptureFromMetadata extracts the logCapture block a runner may have
// stored under run metadata. The block round-trips through JSON since
// metadata decodes as generic maps.
func logCaptureFromMetadata(meta map[string]any) *types.LogCapture {
	raw, ok := meta["logCapture"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var lc types.LogCapture
	if err := json.Unmarshal(buf, &lc); err != nil {
		return nil
	}
	if lc.Stdout == nil && lc.Stderr == nil {
		return nil
	}
	return &lc
}
