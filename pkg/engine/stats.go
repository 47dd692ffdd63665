package engine

import (
	"context"
)

// statsSource feeds the metrics collector from the live services,
// flattening typed status maps into the string labels the gauges carry.
type statsSource struct {
	e *Engine
}

func labelCounts[K ~string](m map[K]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, n := range m {
		out[string(k)] = n
	}
	return out
}

func (s statsSource) TaskCounts(ctx context.Context) (map[string]int, error) {
	counts, err := s.e.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return labelCounts(counts), nil
}

func (s statsSource) ReadyCount(ctx context.Context) (int, error) {
	return s.e.tasks.CountReady(ctx)
}

func (s statsSource) RunCounts(ctx context.Context) (map[string]int, error) {
	counts, err := s.e.runs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return labelCounts(counts), nil
}

func (s statsSource) WorkerCounts(ctx context.Context) (map[string]int, error) {
	counts, err := s.e.workers.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return labelCounts(counts), nil
}

func (s statsSource) ActiveClaimCount(ctx context.Context) (int, error) {
	return s.e.claims.CountActive(ctx)
}

func (s statsSource) LearningCount(ctx context.Context) (int, error) {
	return s.e.learnings.Count(ctx)
}
