package edge

import (
	"context"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// Direction selects which edges a traversal follows from a node.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// NeighborOpts bounds a Neighbors traversal. Zero values mean depth 1,
// outgoing, all edge types.
type NeighborOpts struct {
	Depth     int
	Direction Direction
	EdgeTypes []types.EdgeType
}

// Neighbor is one node discovered by Neighbors. Weight, Direction and
// EdgeType describe the edge that first reached the node.
type Neighbor struct {
	Kind      types.NodeKind `json:"kind"`
	ID        string         `json:"id"`
	Depth     int            `json:"depth"`
	Weight    float64        `json:"weight"`
	Direction Direction      `json:"direction"`
	EdgeType  types.EdgeType `json:"edgeType"`
}

type nodeRef struct {
	kind types.NodeKind
	id   string
}

// Neighbors walks the graph breadth-first from the node, up to
// opts.Depth hops, and returns every node reached. Each node appears at
// most once, at the depth it was first discovered; cycles terminate
// through the visited set.
func (s *Service) Neighbors(ctx context.Context, kind types.NodeKind, id string, opts NeighborOpts) ([]*Neighbor, error) {
	if !types.ValidNodeKind(kind) {
		return nil, errdefs.NewValidation("nodeKind", "unknown node kind "+string(kind))
	}
	depth := opts.Depth
	if depth == 0 {
		depth = 1
	}
	if depth < 0 {
		return nil, errdefs.NewValidation("depth", "must not be negative")
	}
	dir := opts.Direction
	if dir == "" {
		dir = DirectionOutgoing
	}
	switch dir {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
	default:
		return nil, errdefs.NewValidation("direction", "unknown direction "+string(dir))
	}

	start := nodeRef{kind, id}
	visited := map[nodeRef]bool{start: true}
	frontier := []nodeRef{start}
	out := []*Neighbor{}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []nodeRef
		for _, n := range frontier {
			if dir == DirectionOutgoing || dir == DirectionBoth {
				edges, err := s.edges.From(ctx, s.db, n.kind, n.id, opts.EdgeTypes)
				if err != nil {
					return nil, err
				}
				for _, e := range edges {
					ref := nodeRef{e.TargetKind, e.TargetID}
					if visited[ref] {
						continue
					}
					visited[ref] = true
					out = append(out, &Neighbor{
						Kind: ref.kind, ID: ref.id, Depth: hop,
						Weight: e.Weight, Direction: DirectionOutgoing, EdgeType: e.Type,
					})
					next = append(next, ref)
				}
			}
			if dir == DirectionIncoming || dir == DirectionBoth {
				edges, err := s.edges.To(ctx, s.db, n.kind, n.id, opts.EdgeTypes)
				if err != nil {
					return nil, err
				}
				for _, e := range edges {
					ref := nodeRef{e.SourceKind, e.SourceID}
					if visited[ref] {
						continue
					}
					visited[ref] = true
					out = append(out, &Neighbor{
						Kind: ref.kind, ID: ref.id, Depth: hop,
						Weight: e.Weight, Direction: DirectionIncoming, EdgeType: e.Type,
					})
					next = append(next, ref)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// Path returns the first directed path from src to dst found by
// breadth-first search, as the list of edges walked, or nil when no path
// exists within maxDepth hops. Identical endpoints yield an empty path.
func (s *Service) Path(ctx context.Context, srcKind types.NodeKind, srcID string, dstKind types.NodeKind, dstID string, maxDepth int) ([]*types.Edge, error) {
	if !types.ValidNodeKind(srcKind) {
		return nil, errdefs.NewValidation("srcKind", "unknown node kind "+string(srcKind))
	}
	if !types.ValidNodeKind(dstKind) {
		return nil, errdefs.NewValidation("dstKind", "unknown node kind "+string(dstKind))
	}
	if maxDepth < 1 {
		return nil, errdefs.NewValidation("maxDepth", "must be at least 1")
	}

	src := nodeRef{srcKind, srcID}
	dst := nodeRef{dstKind, dstID}
	if src == dst {
		return []*types.Edge{}, nil
	}

	visited := map[nodeRef]bool{src: true}
	prev := map[nodeRef]*types.Edge{}
	frontier := []nodeRef{src}

	for hop := 1; hop <= maxDepth && len(frontier) > 0; hop++ {
		var next []nodeRef
		for _, n := range frontier {
			edges, err := s.edges.From(ctx, s.db, n.kind, n.id, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				ref := nodeRef{e.TargetKind, e.TargetID}
				if visited[ref] {
					continue
				}
				visited[ref] = true
				prev[ref] = e
				if ref == dst {
					return assemblePath(prev, src, dst), nil
				}
				next = append(next, ref)
			}
		}
		frontier = next
	}
	return nil, nil
}

// assemblePath walks the predecessor map back from dst to src and
// returns the edges in walk order.
func assemblePath(prev map[nodeRef]*types.Edge, src, dst nodeRef) []*types.Edge {
	var reversed []*types.Edge
	for ref := dst; ref != src; {
		e := prev[ref]
		reversed = append(reversed, e)
		ref = nodeRef{e.SourceKind, e.SourceID}
	}
	path := make([]*types.Edge, len(reversed))
	for i, e := range reversed {
		path[len(reversed)-1-i] = e
	}
	return path
}
