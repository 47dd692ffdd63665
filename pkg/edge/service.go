// Package edge manages the typed weighted relationships that connect
// learnings, files, tasks and runs into a knowledge graph, and provides
// bounded traversal over them.
package edge

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// Service validates and stores graph edges. The accepted type vocabulary
// is the built-in set plus any configured extensions.
type Service struct {
	db     *storage.DB
	edges  repo.EdgeRepo
	vocab  map[types.EdgeType]struct{}
	logger zerolog.Logger
}

// NewService returns an edge service whose vocabulary is BaseEdgeTypes
// extended by extraTypes.
func NewService(db *storage.DB, extraTypes []string) *Service {
	vocab := make(map[types.EdgeType]struct{}, len(types.BaseEdgeTypes)+len(extraTypes))
	for _, t := range types.BaseEdgeTypes {
		vocab[t] = struct{}{}
	}
	for _, t := range extraTypes {
		if t = strings.TrimSpace(t); t != "" {
			vocab[types.EdgeType(t)] = struct{}{}
		}
	}
	return &Service{
		db:     db,
		vocab:  vocab,
		logger: log.WithComponent("edge"),
	}
}

// CreateInput describes a new edge. A nil Weight defaults to 1.0.
type CreateInput struct {
	SourceKind types.NodeKind
	SourceID   string
	TargetKind types.NodeKind
	TargetID   string
	Type       types.EdgeType
	Weight     *float64
	Metadata   map[string]any
}

// Create validates and inserts an edge. Duplicate (type, source, target)
// rows are allowed; callers that want idempotent linking dedupe
// themselves.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Edge, error) {
	if !types.ValidNodeKind(in.SourceKind) {
		return nil, errdefs.NewValidation("sourceKind", "unknown node kind "+string(in.SourceKind))
	}
	if !types.ValidNodeKind(in.TargetKind) {
		return nil, errdefs.NewValidation("targetKind", "unknown node kind "+string(in.TargetKind))
	}
	if strings.TrimSpace(in.SourceID) == "" {
		return nil, errdefs.NewValidation("sourceId", "must not be empty")
	}
	if strings.TrimSpace(in.TargetID) == "" {
		return nil, errdefs.NewValidation("targetId", "must not be empty")
	}
	if _, ok := s.vocab[in.Type]; !ok {
		return nil, errdefs.NewValidation("type", "unknown edge type "+string(in.Type))
	}
	weight := 1.0
	if in.Weight != nil {
		weight = *in.Weight
	}
	if weight <= 0 || weight > 1 {
		return nil, errdefs.NewValidation("weight", "must be in (0, 1]")
	}

	e := &types.Edge{
		SourceKind: in.SourceKind,
		SourceID:   in.SourceID,
		TargetKind: in.TargetKind,
		TargetID:   in.TargetID,
		Type:       in.Type,
		Weight:     weight,
		Metadata:   in.Metadata,
		Valid:      true,
		CreatedAt:  time.Now(),
	}
	id, err := s.edges.Insert(ctx, s.db, e)
	if err != nil {
		return nil, err
	}
	e.ID = id

	s.logger.Debug().
		Int64("edge_id", id).
		Str("type", string(e.Type)).
		Str("source", string(e.SourceKind)+"/"+e.SourceID).
		Str("target", string(e.TargetKind)+"/"+e.TargetID).
		Float64("weight", weight).
		Msg("Edge created")
	return e, nil
}

// Get returns the edge regardless of validity.
func (s *Service) Get(ctx context.Context, id int64) (*types.Edge, error) {
	return s.edges.Get(ctx, s.db, id)
}

// Invalidate soft-deletes the edge. Invalidating an already invalid edge
// is a no-op; a missing edge is an error.
func (s *Service) Invalidate(ctx context.Context, id int64) error {
	changed, err := s.edges.Invalidate(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !changed {
		if _, err := s.edges.Get(ctx, s.db, id); err != nil {
			return err
		}
		return nil
	}
	s.logger.Debug().Int64("edge_id", id).Msg("Edge invalidated")
	return nil
}

// Patch carries the updatable edge fields. Nil fields keep their current
// value; endpoints and type are immutable.
type Patch struct {
	Weight   *float64
	Metadata map[string]any
}

// Update applies the patch and returns the resulting edge.
func (s *Service) Update(ctx context.Context, id int64, p Patch) (*types.Edge, error) {
	e, err := s.edges.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !e.Valid {
		return nil, &errdefs.EdgeNotFoundError{ID: id}
	}
	if p.Weight != nil {
		if *p.Weight <= 0 || *p.Weight > 1 {
			return nil, errdefs.NewValidation("weight", "must be in (0, 1]")
		}
		e.Weight = *p.Weight
	}
	if p.Metadata != nil {
		e.Metadata = p.Metadata
	}
	if err := s.edges.Update(ctx, s.db, id, e.Weight, e.Metadata); err != nil {
		return nil, err
	}
	return e, nil
}

// ByType returns valid edges of the given type, newest first. A limit of
// zero returns all.
func (s *Service) ByType(ctx context.Context, t types.EdgeType, limit int) ([]*types.Edge, error) {
	return s.edges.ByType(ctx, s.db, t, limit)
}

// FromSource returns valid edges leaving the node.
func (s *Service) FromSource(ctx context.Context, kind types.NodeKind, id string, edgeTypes ...types.EdgeType) ([]*types.Edge, error) {
	return s.edges.From(ctx, s.db, kind, id, edgeTypes)
}

// ToTarget returns valid edges entering the node.
func (s *Service) ToTarget(ctx context.Context, kind types.NodeKind, id string, edgeTypes ...types.EdgeType) ([]*types.Edge, error) {
	return s.edges.To(ctx, s.db, kind, id, edgeTypes)
}

// CountByType returns valid edge counts grouped by type.
func (s *Service) CountByType(ctx context.Context) (map[types.EdgeType]int, error) {
	return s.edges.CountByType(ctx, s.db)
}
