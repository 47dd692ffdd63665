package task

import (
	"context"

	"github.com/jamesaphoenix/tx/pkg/types"
)

// MaxTreeDepth bounds subtree fetches. Requests above it are clamped.
const MaxTreeDepth = 10

// maxAncestorWalk bounds depth calculation against corrupt parent loops.
const maxAncestorWalk = 100

// GetTree returns the subtree rooted at id, down to maxDepth levels.
// maxDepth <= 0 selects the full permitted depth. Parent loops in the
// data are tolerated: each task appears at most once.
func (s *Service) GetTree(ctx context.Context, id string, maxDepth int) (*types.TaskTree, error) {
	if maxDepth <= 0 || maxDepth > MaxTreeDepth {
		maxDepth = MaxTreeDepth
	}
	if _, err := s.tasks.Get(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.hier.Descendants(ctx, s.db, id, maxDepth)
	if err != nil {
		return nil, err
	}

	var root *types.TaskTree
	nodes := make(map[string]*types.TaskTree, len(rows))
	for _, row := range rows {
		if _, seen := nodes[row.Task.ID]; seen {
			continue
		}
		node := &types.TaskTree{
			Task:     row.Task,
			Depth:    row.Depth,
			Children: []*types.TaskTree{},
		}
		nodes[row.Task.ID] = node
		if row.Depth == 0 {
			root = node
			continue
		}
		if row.Task.ParentID != nil {
			if parent, ok := nodes[*row.Task.ParentID]; ok {
				parent.Children = append(parent.Children, node)
			}
		}
	}
	return root, nil
}

// GetDepth returns how many parent links separate the task from its
// root. A root task reports 0, as does a task whose parent pointer loops
// back onto the walked path.
func (s *Service) GetDepth(ctx context.Context, id string) (int, error) {
	if _, err := s.tasks.Get(ctx, s.db, id); err != nil {
		return 0, err
	}

	chain, err := s.hier.AncestorChain(ctx, s.db, id, maxAncestorWalk)
	if err != nil {
		return 0, err
	}

	parents := make(map[string]*string, len(chain))
	for _, link := range chain {
		parents[link.ID] = link.ParentID
	}

	depth := 0
	visited := map[string]bool{id: true}
	current := id
	for {
		parent, ok := parents[current]
		if !ok || parent == nil {
			return depth, nil
		}
		if visited[*parent] {
			// Parent loop; report the distance walked so far. A task
			// that is its own parent sits at depth 0.
			return depth, nil
		}
		visited[*parent] = true
		current = *parent
		depth++
		if depth >= maxAncestorWalk {
			return depth, nil
		}
	}
}

// GetRoots returns every task without a parent, with dependency context.
func (s *Service) GetRoots(ctx context.Context) ([]*types.TaskWithDeps, error) {
	roots, err := s.tasks.ListRoots(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return s.withDeps(ctx, s.db, roots)
}
