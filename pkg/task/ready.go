package task

import (
	"context"

	"github.com/jamesaphoenix/tx/pkg/types"
)

// NextReady returns tasks that are in ready status with every blocker
// done, ordered by score descending then age ascending. limit <= 0
// returns all of them.
func (s *Service) NextReady(ctx context.Context, limit int) ([]*types.TaskWithDeps, error) {
	tasks, err := s.tasks.ListReady(ctx, s.db, limit)
	if err != nil {
		return nil, err
	}
	return s.withDeps(ctx, s.db, tasks)
}

// IsReady reports whether the single task would appear in NextReady.
func (s *Service) IsReady(ctx context.Context, id string) (bool, error) {
	if _, err := s.tasks.Get(ctx, s.db, id); err != nil {
		return false, err
	}
	return s.tasks.IsReady(ctx, s.db, id)
}

// GetBlocking returns the tasks whose only unfinished blocker is id,
// that is, the tasks its completion would unblock.
func (s *Service) GetBlocking(ctx context.Context, id string) ([]*types.TaskWithDeps, error) {
	if _, err := s.tasks.Get(ctx, s.db, id); err != nil {
		return nil, err
	}
	tasks, err := s.deps.ListSolelyBlockedBy(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return s.withDeps(ctx, s.db, tasks)
}
