// Package graph spreads relevance through the knowledge graph: starting
// from scored learnings or from files, it walks edges breadth-first and
// assigns every discovered learning a score decayed by edge weight and
// distance.
package graph

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

const (
	defaultDepth    = 2
	defaultDecay    = 0.7
	defaultMaxNodes = 100
	maxDepth        = 10
)

// fileEdgeTypes are the relationships ExpandFromFiles follows between
// files.
var fileEdgeTypes = []types.EdgeType{types.EdgeImports, types.EdgeCoChangesWith}

// Defaults overrides the built-in expansion defaults. Zero fields keep
// the built-ins.
type Defaults struct {
	Depth       int
	DecayFactor float64
	MaxNodes    int
}

// Expander walks the edge graph outward from seeds.
type Expander struct {
	db        *storage.DB
	edges     repo.EdgeRepo
	learnings repo.LearningRepo
	defaults  Defaults
	logger    zerolog.Logger
}

// NewExpander returns an expander reading through db.
func NewExpander(db *storage.DB, defaults Defaults) *Expander {
	if defaults.Depth == 0 {
		defaults.Depth = defaultDepth
	}
	if defaults.DecayFactor == 0 {
		defaults.DecayFactor = defaultDecay
	}
	if defaults.MaxNodes == 0 {
		defaults.MaxNodes = defaultMaxNodes
	}
	return &Expander{
		db:       db,
		defaults: defaults,
		logger:   log.WithComponent("graph"),
	}
}

// Seed is a scored starting learning for Expand.
type Seed struct {
	LearningID int64
	Score      float64
}

// TypeFilter restricts which edge types a traversal follows. An empty
// Include allows every type not excluded. PerHop overrides the filter
// for specific hop numbers.
type TypeFilter struct {
	Include []types.EdgeType
	Exclude []types.EdgeType
	PerHop  map[int]*TypeFilter
}

func (f *TypeFilter) validate(field string) error {
	if f == nil {
		return nil
	}
	excluded := make(map[types.EdgeType]struct{}, len(f.Exclude))
	for _, t := range f.Exclude {
		excluded[t] = struct{}{}
	}
	for _, t := range f.Include {
		if _, ok := excluded[t]; ok {
			return errdefs.NewValidation(field, "type "+string(t)+" both included and excluded")
		}
	}
	for hop, pf := range f.PerHop {
		if err := pf.validate(field + ".perHop[" + strconv.Itoa(hop) + "]"); err != nil {
			return err
		}
	}
	return nil
}

// allows reports whether the filter admits the edge type at the hop.
func (f *TypeFilter) allows(hop int, t types.EdgeType) bool {
	if f == nil {
		return true
	}
	if pf, ok := f.PerHop[hop]; ok && pf != nil {
		return pf.allows(hop, t)
	}
	for _, x := range f.Exclude {
		if x == t {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, i := range f.Include {
		if i == t {
			return true
		}
	}
	return false
}

// Opts bounds one expansion. Nil numeric fields fall back to the
// expander defaults; EdgeTypes is shorthand for a Filter with only an
// Include list.
type Opts struct {
	Depth       *int
	DecayFactor *float64
	MaxNodes    *int
	EdgeTypes   []types.EdgeType
	Filter      *TypeFilter
}

type bounds struct {
	depth    int
	decay    float64
	maxNodes int
	filter   *TypeFilter
}

func (x *Expander) resolve(opts Opts) (bounds, error) {
	b := bounds{
		depth:    x.defaults.Depth,
		decay:    x.defaults.DecayFactor,
		maxNodes: x.defaults.MaxNodes,
		filter:   opts.Filter,
	}
	if opts.Depth != nil {
		b.depth = *opts.Depth
	}
	if opts.DecayFactor != nil {
		b.decay = *opts.DecayFactor
	}
	if opts.MaxNodes != nil {
		b.maxNodes = *opts.MaxNodes
	}
	if b.depth < 0 || b.depth > maxDepth {
		return b, errdefs.NewValidation("depth", "must be between 0 and 10")
	}
	if b.decay <= 0 || b.decay > 1 {
		return b, errdefs.NewValidation("decayFactor", "must be in (0, 1]")
	}
	if b.maxNodes < 1 {
		return b, errdefs.NewValidation("maxNodes", "must be at least 1")
	}
	if len(opts.EdgeTypes) > 0 {
		if opts.Filter != nil {
			return b, errdefs.NewValidation("edgeTypes", "give either the flat list or the structured filter, not both")
		}
		b.filter = &TypeFilter{Include: opts.EdgeTypes}
	}
	if err := b.filter.validate("filter"); err != nil {
		return b, err
	}
	return b, nil
}

// ExpandedLearning is one learning discovered by Expand. Path holds the
// learning ids walked from the seed to this node, seed first.
type ExpandedLearning struct {
	Learning   *types.Learning `json:"learning"`
	Score      float64         `json:"score"`
	Depth      int             `json:"depth"`
	SourceEdge *types.Edge     `json:"sourceEdge"`
	Path       []int64         `json:"path"`
}

type visit struct {
	score float64
	depth int
	edge  *types.Edge
	path  []int64
}

// Expand walks edges between learnings breadth-first and bidirectionally
// from the seeds. Every newly reached learning scores
// parentScore * edgeWeight * decayFactor; the first edge to reach a node
// fixes its score and path. Seeds themselves are not returned.
func (x *Expander) Expand(ctx context.Context, seeds []Seed, opts Opts) ([]*ExpandedLearning, error) {
	b, err := x.resolve(opts)
	if err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExpandDuration)

	visited := map[int64]*visit{}
	var frontier []int64
	for _, s := range seeds {
		if s.LearningID < 1 {
			return nil, errdefs.NewValidation("seeds", "learning ids must be positive")
		}
		if visited[s.LearningID] != nil {
			continue
		}
		visited[s.LearningID] = &visit{score: s.Score, path: []int64{s.LearningID}}
		frontier = append(frontier, s.LearningID)
	}

	var discovered []int64
	for hop := 1; hop <= b.depth && len(frontier) > 0 && len(discovered) < b.maxNodes; hop++ {
		var next []int64
		for _, id := range frontier {
			parent := visited[id]
			self := strconv.FormatInt(id, 10)
			edges, err := x.edges.Touching(ctx, x.db, types.NodeLearning, self, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !b.filter.allows(hop, e.Type) {
					continue
				}
				kind, other := otherEnd(e, types.NodeLearning, self)
				if kind != types.NodeLearning {
					continue
				}
				oid, err := strconv.ParseInt(other, 10, 64)
				if err != nil || visited[oid] != nil {
					continue
				}
				visited[oid] = &visit{
					score: parent.score * e.Weight * b.decay,
					depth: hop,
					edge:  e,
					path:  appendPath(parent.path, oid),
				}
				discovered = append(discovered, oid)
				next = append(next, oid)
			}
		}
		frontier = next
	}

	sort.SliceStable(discovered, func(i, j int) bool {
		return visited[discovered[i]].score > visited[discovered[j]].score
	})
	if len(discovered) > b.maxNodes {
		discovered = discovered[:b.maxNodes]
	}

	rows, err := x.learnings.ByIDs(ctx, x.db, discovered)
	if err != nil {
		return nil, err
	}
	out := make([]*ExpandedLearning, 0, len(discovered))
	for _, id := range discovered {
		l, ok := rows[id]
		if !ok {
			// Edge endpoints are not foreign keys; tolerate dangling ids.
			x.logger.Debug().Int64("learning_id", id).Msg("Skipping dangling graph node")
			continue
		}
		v := visited[id]
		out = append(out, &ExpandedLearning{
			Learning: l, Score: v.score, Depth: v.depth,
			SourceEdge: v.edge, Path: v.path,
		})
	}
	return out, nil
}

// FileExpandedLearning is one learning collected by ExpandFromFiles.
// Weight is the file-edge weight that led to the learning's file, nil
// for learnings anchored to the input files themselves.
type FileExpandedLearning struct {
	Learning *types.Learning `json:"learning"`
	Score    float64         `json:"score"`
	FilePath string          `json:"filePath"`
	Hop      int             `json:"hop"`
	Anchored bool            `json:"anchored"`
	Edge     *types.Edge     `json:"edge"`
	Weight   *float64        `json:"weight"`
}

// ExpandFromFiles seeds the walk with the input files: learnings
// anchored to them score 1.0, then the walk follows IMPORTS and
// CO_CHANGES_WITH edges between files, and learnings anchored to each
// newly reached file score parentFileScore * edgeWeight * decayFactor.
// When truncating to maxNodes, learnings anchored to the input files
// win over traversed ones.
func (x *Expander) ExpandFromFiles(ctx context.Context, files []string, opts Opts) ([]*FileExpandedLearning, error) {
	b, err := x.resolve(opts)
	if err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExpandDuration)

	type fileVisit struct {
		score  float64
		weight *float64
	}
	seen := map[string]*fileVisit{}
	var frontier []string
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] != nil {
			continue
		}
		seen[f] = &fileVisit{score: 1.0}
		frontier = append(frontier, f)
	}

	byLearning := map[int64]*FileExpandedLearning{}
	var order []int64

	collect := func(path string, hop int) error {
		fv := seen[path]
		anchors, err := x.edges.To(ctx, x.db, types.NodeFile, path, []types.EdgeType{types.EdgeAnchoredTo})
		if err != nil {
			return err
		}
		for _, e := range anchors {
			if e.SourceKind != types.NodeLearning {
				continue
			}
			id, err := strconv.ParseInt(e.SourceID, 10, 64)
			if err != nil || byLearning[id] != nil {
				continue
			}
			byLearning[id] = &FileExpandedLearning{
				Score: fv.score, FilePath: path, Hop: hop,
				Anchored: hop == 0, Edge: e, Weight: fv.weight,
			}
			order = append(order, id)
		}
		return nil
	}

	for _, f := range frontier {
		if err := collect(f, 0); err != nil {
			return nil, err
		}
	}

	for hop := 1; hop <= b.depth && len(frontier) > 0 && len(order) < b.maxNodes; hop++ {
		var next []string
		for _, path := range frontier {
			parent := seen[path]
			edges, err := x.edges.Touching(ctx, x.db, types.NodeFile, path, fileEdgeTypes)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !b.filter.allows(hop, e.Type) {
					continue
				}
				kind, other := otherEnd(e, types.NodeFile, path)
				if kind != types.NodeFile || seen[other] != nil {
					continue
				}
				w := e.Weight
				seen[other] = &fileVisit{score: parent.score * w * b.decay, weight: &w}
				if err := collect(other, hop); err != nil {
					return nil, err
				}
				next = append(next, other)
			}
		}
		frontier = next
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, z := byLearning[order[i]], byLearning[order[j]]
		if a.Anchored != z.Anchored {
			return a.Anchored
		}
		return a.Score > z.Score
	})
	if len(order) > b.maxNodes {
		order = order[:b.maxNodes]
	}

	rows, err := x.learnings.ByIDs(ctx, x.db, order)
	if err != nil {
		return nil, err
	}
	out := make([]*FileExpandedLearning, 0, len(order))
	for _, id := range order {
		l, ok := rows[id]
		if !ok {
			x.logger.Debug().Int64("learning_id", id).Msg("Skipping dangling anchor source")
			continue
		}
		n := byLearning[id]
		n.Learning = l
		out = append(out, n)
	}
	return out, nil
}

// otherEnd returns the endpoint of e that is not (kind, id). For
// self-loops it returns the target.
func otherEnd(e *types.Edge, kind types.NodeKind, id string) (types.NodeKind, string) {
	if e.SourceKind == kind && e.SourceID == id {
		return e.TargetKind, e.TargetID
	}
	return e.SourceKind, e.SourceID
}

func appendPath(path []int64, id int64) []int64 {
	out := make([]int64, 0, len(path)+1)
	out = append(out, path...)
	return append(out, id)
}
