// Package worker tracks the executors that claim and run tasks. A
// worker registers on startup, heartbeats while alive and is flipped to
// dead by the monitor loop when its heartbeats stop.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

const (
	// DefaultHeartbeatTimeout is how long a worker may go silent before
	// the monitor declares it dead.
	DefaultHeartbeatTimeout = 2 * time.Minute

	// DefaultMonitorInterval is how often the monitor sweeps.
	DefaultMonitorInterval = 30 * time.Second
)

// Registry manages worker registrations and liveness.
type Registry struct {
	db               *storage.DB
	workers          repo.WorkerRepo
	heartbeatTimeout time.Duration
	monitorInterval  time.Duration
	stopCh           chan struct{}
	logger           zerolog.Logger
}

// NewRegistry creates a registry with default liveness settings.
func NewRegistry(db *storage.DB) *Registry {
	return &Registry{
		db:               db,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		monitorInterval:  DefaultMonitorInterval,
		stopCh:           make(chan struct{}),
		logger:           log.WithComponent("worker"),
	}
}

// RegisterSpec carries the caller-settable registration fields.
type RegisterSpec struct {
	ID           string
	Name         string
	Capabilities []string
	Metadata     map[string]any
}

// Register adds the worker, or refreshes its registration if the id is
// already known. An empty id gets a generated one. Hostname and pid are
// taken from the running process.
func (r *Registry) Register(ctx context.Context, spec RegisterSpec) (*types.Worker, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	hostname, _ := os.Hostname()
	pid := os.Getpid()
	now := time.Now()
	w := &types.Worker{
		ID:              spec.ID,
		Name:            spec.Name,
		Hostname:        hostname,
		PID:             &pid,
		Status:          types.WorkerStatusStarting,
		Capabilities:    spec.Capabilities,
		Metadata:        spec.Metadata,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if w.Capabilities == nil {
		w.Capabilities = []string{}
	}
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.workers.Upsert(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("worker_id", w.ID).Str("hostname", hostname).Msg("Worker registered")
	return w, nil
}

// Heartbeat records that the worker is alive. A dead worker that
// heartbeats again is revived into idle.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		w, err := r.workers.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := r.workers.Heartbeat(ctx, tx, id, now); err != nil {
			return err
		}
		if w.Status == types.WorkerStatusDead {
			return r.workers.SetStatus(ctx, tx, id, types.WorkerStatusIdle, nil)
		}
		return nil
	})
}

// SetStatus moves the worker through its lifecycle. Busy workers carry
// the task they are working; every other status clears it.
func (r *Registry) SetStatus(ctx context.Context, id string, status types.WorkerStatus, currentTaskID *string) error {
	if !types.ValidWorkerStatus(status) {
		return errdefs.NewValidation("status", "unknown worker status "+string(status))
	}
	if status != types.WorkerStatusBusy {
		currentTaskID = nil
	}
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.workers.SetStatus(ctx, tx, id, status, currentTaskID)
	})
}

// Get returns one worker.
func (r *Registry) Get(ctx context.Context, id string) (*types.Worker, error) {
	return r.workers.Get(ctx, r.db, id)
}

// List returns workers, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	return r.workers.List(ctx, r.db, status)
}

// Deregister removes the worker entirely. Claims it holds are left to
// lease expiry.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.workers.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	r.logger.Info().Str("worker_id", id).Msg("Worker deregistered")
	return nil
}

// MarkStale flips workers whose last heartbeat is older than the
// timeout to dead and returns their ids.
func (r *Registry) MarkStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	var ids []string
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		ids, err = r.workers.MarkDeadBefore(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.logger.Warn().Str("worker_id", id).Msg("Worker marked dead, heartbeats stopped")
	}
	return ids, nil
}

// CountByStatus reports worker counts per status.
func (r *Registry) CountByStatus(ctx context.Context) (map[types.WorkerStatus]int, error) {
	return r.workers.CountByStatus(ctx, r.db)
}

// Start launches the liveness monitor loop.
func (r *Registry) Start() {
	go r.monitorLoop()
	r.logger.Info().Dur("interval", r.monitorInterval).Msg("Worker monitor started")
}

// Stop halts the monitor loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) monitorLoop() {
	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := r.MarkStale(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Worker liveness sweep failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}
