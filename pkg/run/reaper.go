package run

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// StallReason labels why a running run was classified as stalled.
type StallReason string

const (
	// StallTranscriptIdle means the run's transcript stopped growing.
	StallTranscriptIdle StallReason = "transcript_idle"
	// StallHeartbeatStale means the supervisor stopped reporting.
	StallHeartbeatStale StallReason = "heartbeat_stale"
)

// StallPolicy sets the staleness thresholds. TranscriptIdle is required;
// a zero HeartbeatLag disables the heartbeat check entirely.
type StallPolicy struct {
	TranscriptIdle time.Duration
	HeartbeatLag   time.Duration
}

func (p StallPolicy) validate() error {
	if p.TranscriptIdle < time.Second {
		return errdefs.NewValidation("transcriptIdleSeconds", "must be at least 1 second")
	}
	return nil
}

// StalledRun is one classification result.
type StalledRun struct {
	Run       *types.Run
	Heartbeat *types.RunHeartbeat
	Reason    StallReason
	IdleFor   time.Duration
}

// ListStalled classifies every running run that has heartbeat state.
// Runs that never reported a heartbeat are not classified. When a run
// matches both thresholds, transcript_idle is the reported reason.
func (s *Service) ListStalled(ctx context.Context, p StallPolicy) ([]StalledRun, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	running, err := s.runs.ListRunning(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, nil
	}
	ids := make([]string, len(running))
	for i, r := range running {
		ids[i] = r.ID
	}
	beats, err := s.beats.ByRunIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var stalled []StalledRun
	for _, r := range running {
		hb := beats[r.ID]
		if hb == nil {
			continue
		}
		// A transcript that never showed activity is judged from the
		// first check instead.
		activity := hb.LastCheckAt
		if hb.LastActivityAt != nil {
			activity = *hb.LastActivityAt
		}
		idle := now.Sub(activity)
		lag := now.Sub(hb.LastCheckAt)

		switch {
		case idle > p.TranscriptIdle:
			stalled = append(stalled, StalledRun{Run: r, Heartbeat: hb, Reason: StallTranscriptIdle, IdleFor: idle})
		case p.HeartbeatLag > 0 && lag > p.HeartbeatLag:
			stalled = append(stalled, StalledRun{Run: r, Heartbeat: hb, Reason: StallHeartbeatStale, IdleFor: lag})
		}
	}
	return stalled, nil
}

// ReapPolicy extends StallPolicy with what to do about the stalled runs.
type ReapPolicy struct {
	StallPolicy
	ResetTask bool
	DryRun    bool
}

// DefaultReapPolicy reaps runs whose transcript has been idle past the
// threshold and resets their tasks back to ready.
func DefaultReapPolicy(transcriptIdle time.Duration) ReapPolicy {
	return ReapPolicy{
		StallPolicy: StallPolicy{TranscriptIdle: transcriptIdle},
		ResetTask:   true,
	}
}

// ReapedRun is one entry of a reap result.
type ReapedRun struct {
	ID                string      `json:"id"`
	TaskID            *string     `json:"taskId"`
	Reason            StallReason `json:"reason"`
	TaskReset         bool        `json:"taskReset"`
	ProcessTerminated bool        `json:"processTerminated"`
}

// reapExitCode marks a reaped run the way a SIGKILLed process reports.
const reapExitCode = 137

// Reap cancels every stalled run, expires the active claim on its task,
// and optionally resets the task to ready. In dry-run mode it returns
// the candidates without touching anything. Each run is reaped in its
// own transaction so one failure does not abort the sweep; signal
// delivery is advisory and ProcessTerminated reflects only what was
// observed.
func (s *Service) Reap(ctx context.Context, p ReapPolicy) ([]ReapedRun, error) {
	stalled, err := s.ListStalled(ctx, p.StallPolicy)
	if err != nil {
		return nil, err
	}

	out := make([]ReapedRun, 0, len(stalled))
	if p.DryRun {
		for _, st := range stalled {
			out = append(out, ReapedRun{ID: st.Run.ID, TaskID: st.Run.TaskID, Reason: st.Reason})
		}
		return out, nil
	}

	for _, st := range stalled {
		entry, err := s.reapOne(ctx, st, p.ResetTask)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", st.Run.ID).Msg("Failed to reap run")
			continue
		}
		if entry == nil {
			continue
		}
		metrics.RunsReaped.WithLabelValues(string(st.Reason)).Inc()
		out = append(out, *entry)
	}
	return out, nil
}

// reapOne cancels a single stalled run. Returns nil when the run ended
// on its own between classification and action.
func (s *Service) reapOne(ctx context.Context, st StalledRun, resetTask bool) (*ReapedRun, error) {
	now := time.Now()
	entry := ReapedRun{ID: st.Run.ID, Reason: st.Reason}
	var evt *types.Event

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		r, err := s.runs.Get(ctx, tx, st.Run.ID)
		if err != nil {
			return err
		}
		if types.RunEnded(r.Status) {
			entry.ID = ""
			return nil
		}
		entry.TaskID = r.TaskID

		exitCode := reapExitCode
		r.Status = types.RunStatusCancelled
		r.EndedAt = &now
		r.ExitCode = &exitCode
		r.Error = fmt.Sprintf("reaped: %s for %s", st.Reason, st.IdleFor.Round(time.Second))
		if err := s.runs.Update(ctx, tx, r); err != nil {
			return err
		}

		if r.TaskID != nil {
			cl, err := s.claims.ActiveByTask(ctx, tx, *r.TaskID)
			if err != nil {
				return err
			}
			if cl != nil {
				if _, err := s.claims.SetStatus(ctx, tx, cl.ID, types.ClaimStatusActive, types.ClaimStatusExpired); err != nil {
					return err
				}
			}
			if resetTask {
				reset, err := s.resetTaskReady(ctx, tx, *r.TaskID, now)
				if err != nil {
					return err
				}
				entry.TaskReset = reset
			}
		}

		evt = &types.Event{
			Timestamp: now,
			Type:      types.EventRunCancelled,
			RunID:     &r.ID,
			TaskID:    r.TaskID,
			Agent:     &r.Agent,
			Content:   r.Error,
			Metadata: map[string]any{
				"reason":    string(st.Reason),
				"exitCode":  exitCode,
				"taskReset": entry.TaskReset,
			},
		}
		return s.events.Insert(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	if entry.ID == "" {
		return nil, nil
	}

	if st.Run.PID != nil {
		entry.ProcessTerminated = Terminate(*st.Run.PID)
	}

	s.broker.Publish(evt)
	s.logger.Warn().
		Str("run_id", entry.ID).
		Str("reason", string(st.Reason)).
		Bool("task_reset", entry.TaskReset).
		Msg("Run reaped")
	return &entry, nil
}

// resetTaskReady moves the stalled run's task back to ready so another
// worker can pick it up. Reports whether the status actually changed.
func (s *Service) resetTaskReady(ctx context.Context, tx *sqlx.Tx, taskID string, now time.Time) (bool, error) {
	t, err := s.tasks.Get(ctx, tx, taskID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if t.Status == types.TaskStatusReady || !types.CanTransition(t.Status, types.TaskStatusReady) {
		return false, nil
	}
	t.Status = types.TaskStatusReady
	t.CompletedAt = nil
	t.UpdatedAt = now
	if err := s.tasks.Update(ctx, tx, t); err != nil {
		return false, err
	}
	return true, nil
}

// Reaper runs the stalled-run sweep on a fixed interval.
type Reaper struct {
	svc      *Service
	policy   ReapPolicy
	interval time.Duration
	stopCh   chan struct{}
}

// NewReaper creates a background reaper. Interval defaults to a minute
// when unset.
func NewReaper(svc *Service, policy ReapPolicy, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		svc:      svc,
		policy:   policy,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop stops the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reaped, err := r.svc.Reap(context.Background(), r.policy)
			if err != nil {
				r.svc.logger.Error().Err(err).Msg("Reap sweep failed")
				continue
			}
			if len(reaped) > 0 {
				r.svc.logger.Info().Int("reaped", len(reaped)).Msg("Reap sweep finished")
			}
		case <-r.stopCh:
			return
		}
	}
}
