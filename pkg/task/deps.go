package task

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// AddBlocker records that blocked cannot run until blocker reaches done.
// Adding a pair that already exists is a no-op. A task cannot block
// itself, and an insert that would close a dependency cycle is rejected
// before any write.
func (s *Service) AddBlocker(ctx context.Context, blockedID, blockerID string) error {
	if blockedID == blockerID {
		return errdefs.NewValidation("blockerId", "a task cannot block itself")
	}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range []string{blockedID, blockerID} {
			ok, err := s.tasks.Exists(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				return &errdefs.TaskNotFoundError{ID: id}
			}
		}

		exists, err := s.deps.Exists(ctx, tx, blockerID, blockedID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		cycle, err := s.deps.WouldCycle(ctx, tx, blockerID, blockedID)
		if err != nil {
			return err
		}
		if cycle {
			return &errdefs.CircularDependencyError{BlockerID: blockerID, BlockedID: blockedID}
		}

		return s.deps.Add(ctx, tx, blockerID, blockedID, time.Now())
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("task_id", blockedID).
		Str("blocker_id", blockerID).
		Msg("Blocker added")
	return nil
}

// RemoveBlocker deletes the pair. Removing a pair that does not exist is
// a no-op, so retries are safe.
func (s *Service) RemoveBlocker(ctx context.Context, blockedID, blockerID string) error {
	var removed bool
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		removed, err = s.deps.Remove(ctx, tx, blockerID, blockedID)
		return err
	})
	if err != nil {
		return err
	}
	if removed {
		s.logger.Debug().
			Str("task_id", blockedID).
			Str("blocker_id", blockerID).
			Msg("Blocker removed")
	}
	return nil
}

// ListDependencies returns every blocker/blocked pair in the graph.
func (s *Service) ListDependencies(ctx context.Context) ([]*types.Dependency, error) {
	return s.deps.ListAll(ctx, s.db)
}
