package task

import (
	"context"
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

// Service manages the task graph: CRUD, status transitions, blocking
// dependencies, readiness and the parent/child hierarchy. Every surface
// that returns a task returns TaskWithDeps.
type Service struct {
	db     *storage.DB
	tasks  repo.TaskRepo
	deps   repo.DepRepo
	hier   repo.HierarchyRepo
	events repo.EventRepo
	broker *events.Broker
	logger zerolog.Logger
}

// NewService creates a task service. broker may be nil.
func NewService(db *storage.DB, broker *events.Broker) *Service {
	return &Service{
		db:     db,
		broker: broker,
		logger: log.WithComponent("task"),
	}
}

// CreateSpec carries the caller-settable fields for task creation.
// Status is not among them: new tasks always start in backlog.
type CreateSpec struct {
	Title       string
	Description string
	ParentID    *string
	Score       int
	Metadata    map[string]any
}

// UpdateSpec is a partial patch. Nil fields stay unchanged; the Clear
// flags reset their pointer columns to NULL.
type UpdateSpec struct {
	Title         *string
	Description   *string
	Status        *types.TaskStatus
	ParentID      *string
	ClearParent   bool
	Score         *int
	AssigneeType  *types.AssigneeKind
	AssigneeID    *string
	AssignedBy    *string
	ClearAssignee bool
	Metadata      map[string]any
}

// Create inserts a new backlog task and returns it with (empty)
// dependency context.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (*types.TaskWithDeps, error) {
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return nil, errdefs.NewValidation("title", "must not be empty")
	}

	now := time.Now()
	t := &types.Task{
		ID:          ids.NewTaskID(),
		Title:       title,
		Description: spec.Description,
		Status:      types.TaskStatusBacklog,
		ParentID:    spec.ParentID,
		Score:       spec.Score,
		Metadata:    spec.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	var evt *types.Event
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if spec.ParentID != nil {
			ok, err := s.tasks.Exists(ctx, tx, *spec.ParentID)
			if err != nil {
				return err
			}
			if !ok {
				return &errdefs.TaskNotFoundError{ID: *spec.ParentID}
			}
		}
		if err := s.tasks.Insert(ctx, tx, t); err != nil {
			return err
		}
		evt = &types.Event{
			Timestamp: now,
			Type:      types.EventTaskCreated,
			TaskID:    &t.ID,
			Content:   t.Title,
		}
		return s.events.Insert(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}

	s.broker.Publish(evt)
	s.logger.Info().Str("task_id", t.ID).Str("title", t.Title).Msg("Task created")
	return s.freshWithDeps(t), nil
}

// Get returns one task with its dependency context.
func (s *Service) Get(ctx context.Context, id string) (*types.TaskWithDeps, error) {
	t, err := s.tasks.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	out, err := s.withDeps(ctx, s.db, []*types.Task{t})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// List returns tasks matching the filter, each with dependency context
// assembled in a fixed number of queries.
func (s *Service) List(ctx context.Context, f repo.TaskFilter) ([]*types.TaskWithDeps, error) {
	tasks, err := s.tasks.List(ctx, s.db, f)
	if err != nil {
		return nil, err
	}
	return s.withDeps(ctx, s.db, tasks)
}

// Update applies a partial patch. Status changes are validated against
// the transition table; entering done stamps completed_at and leaving it
// clears the stamp.
func (s *Service) Update(ctx context.Context, id string, spec UpdateSpec) (*types.TaskWithDeps, error) {
	if spec.Title != nil && strings.TrimSpace(*spec.Title) == "" {
		return nil, errdefs.NewValidation("title", "must not be empty")
	}
	if spec.Status != nil && !types.ValidTaskStatus(*spec.Status) {
		return nil, errdefs.NewValidation("status", "unknown status "+string(*spec.Status))
	}

	now := time.Now()
	var (
		updated *types.Task
		evts    []*types.Event
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.tasks.Get(ctx, tx, id)
		if err != nil {
			return err
		}

		if spec.Status != nil && *spec.Status != t.Status {
			if !types.CanTransition(t.Status, *spec.Status) {
				return &errdefs.InvalidTransitionError{
					Entity: "task", ID: id,
					From: string(t.Status), To: string(*spec.Status),
				}
			}
			completing := *spec.Status == types.TaskStatusDone
			if completing {
				t.CompletedAt = &now
			} else {
				t.CompletedAt = nil
			}
			t.Status = *spec.Status
			evtType := types.EventTaskUpdated
			if completing {
				evtType = types.EventTaskCompleted
			}
			evts = append(evts, &types.Event{
				Timestamp: now,
				Type:      evtType,
				TaskID:    &t.ID,
				Content:   t.Title,
				Metadata:  map[string]any{"status": string(t.Status)},
			})
		}

		if spec.Title != nil {
			t.Title = strings.TrimSpace(*spec.Title)
		}
		if spec.Description != nil {
			t.Description = *spec.Description
		}
		if spec.ClearParent {
			t.ParentID = nil
		} else if spec.ParentID != nil {
			ok, err := s.tasks.Exists(ctx, tx, *spec.ParentID)
			if err != nil {
				return err
			}
			if !ok {
				return &errdefs.TaskNotFoundError{ID: *spec.ParentID}
			}
			t.ParentID = spec.ParentID
		}
		if spec.Score != nil {
			t.Score = *spec.Score
		}
		if spec.ClearAssignee {
			t.AssigneeType = nil
			t.AssigneeID = nil
			t.AssignedAt = nil
			t.AssignedBy = nil
		} else if spec.AssigneeID != nil {
			t.AssigneeID = spec.AssigneeID
			t.AssigneeType = spec.AssigneeType
			t.AssignedBy = spec.AssignedBy
			t.AssignedAt = &now
		}
		if spec.Metadata != nil {
			t.Metadata = spec.Metadata
		}
		t.UpdatedAt = now

		if err := s.tasks.Update(ctx, tx, t); err != nil {
			return err
		}
		if len(evts) == 0 {
			evts = append(evts, &types.Event{
				Timestamp: now,
				Type:      types.EventTaskUpdated,
				TaskID:    &t.ID,
				Content:   t.Title,
			})
		}
		for _, evt := range evts {
			if err := s.events.Insert(ctx, tx, evt); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, evt := range evts {
		s.broker.Publish(evt)
	}
	s.logger.Debug().Str("task_id", id).Str("status", string(updated.Status)).Msg("Task updated")

	out, err := s.withDeps(ctx, s.db, []*types.Task{updated})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Remove deletes the task. Dependency rows and attempts cascade away;
// children survive with parent_id cleared.
func (s *Service) Remove(ctx context.Context, id string) error {
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.tasks.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("task_id", id).Msg("Task removed")
	return nil
}

// CountByStatus reports task counts per status.
func (s *Service) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	return s.tasks.CountByStatus(ctx, s.db)
}

// CountReady reports how many tasks are ready to claim right now.
func (s *Service) CountReady(ctx context.Context) (int, error) {
	return s.tasks.CountReady(ctx, s.db)
}

// freshWithDeps wraps a just-created task without any queries: a new
// task has no dependencies or children yet.
func (s *Service) freshWithDeps(t *types.Task) *types.TaskWithDeps {
	return &types.TaskWithDeps{
		Task:      *t,
		BlockedBy: []*types.Task{},
		Blocks:    []*types.Task{},
		Children:  []*types.Task{},
		IsReady:   false,
	}
}

// withDeps assembles TaskWithDeps for a batch in three grouped queries,
// independent of batch size.
func (s *Service) withDeps(ctx context.Context, q storage.Querier, tasks []*types.Task) ([]*types.TaskWithDeps, error) {
	if len(tasks) == 0 {
		return []*types.TaskWithDeps{}, nil
	}
	idList := make([]string, len(tasks))
	for i, t := range tasks {
		idList[i] = t.ID
	}

	blockedBy, err := s.deps.UnfinishedBlockersByTask(ctx, q, idList)
	if err != nil {
		return nil, err
	}
	blocks, err := s.deps.BlockedTasksByBlocker(ctx, q, idList)
	if err != nil {
		return nil, err
	}
	children, err := s.tasks.ChildrenByParent(ctx, q, idList)
	if err != nil {
		return nil, err
	}

	out := make([]*types.TaskWithDeps, len(tasks))
	for i, t := range tasks {
		wd := &types.TaskWithDeps{
			Task:      *t,
			BlockedBy: blockedBy[t.ID],
			Blocks:    blocks[t.ID],
			Children:  children[t.ID],
		}
		if wd.BlockedBy == nil {
			wd.BlockedBy = []*types.Task{}
		}
		if wd.Blocks == nil {
			wd.Blocks = []*types.Task{}
		}
		if wd.Children == nil {
			wd.Children = []*types.Task{}
		}
		wd.IsReady = t.Status == types.TaskStatusReady && len(wd.BlockedBy) == 0
		out[i] = wd
	}
	return out, nil
}
