package graph

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

type fixture struct {
	db *storage.DB
	x  *Expander
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.NewRunner(db).Run(context.Background()))
	return &fixture{db: db, x: NewExpander(db, Defaults{})}
}

func (f *fixture) addLearning(t *testing.T, content string) int64 {
	t.Helper()
	id, err := repo.LearningRepo{}.Insert(context.Background(), f.db, &types.Learning{
		Content:    content,
		SourceType: types.LearningSourceManual,
		Keywords:   []string{},
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) link(t *testing.T, srcKind types.NodeKind, srcID string, dstKind types.NodeKind, dstID string, typ types.EdgeType, weight float64) *types.Edge {
	t.Helper()
	e := &types.Edge{
		SourceKind: srcKind, SourceID: srcID,
		TargetKind: dstKind, TargetID: dstID,
		Type: typ, Weight: weight, Valid: true, CreatedAt: time.Now(),
	}
	id, err := repo.EdgeRepo{}.Insert(context.Background(), f.db, e)
	require.NoError(t, err)
	e.ID = id
	return e
}

func lid(id int64) string { return strconv.FormatInt(id, 10) }

func intPtr(n int) *int { return &n }

func floatPtr(v float64) *float64 { return &v }

func TestExpandDecaysAlongChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l1 := f.addLearning(t, "seed")
	l2 := f.addLearning(t, "one hop")
	l3 := f.addLearning(t, "two hops")
	e12 := f.link(t, types.NodeLearning, lid(l1), types.NodeLearning, lid(l2), types.EdgeSimilarTo, 0.5)
	e23 := f.link(t, types.NodeLearning, lid(l2), types.NodeLearning, lid(l3), types.EdgeSimilarTo, 0.4)

	got, err := f.x.Expand(ctx, []Seed{{LearningID: l1, Score: 1.0}}, Opts{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, l2, got[0].Learning.ID)
	assert.InDelta(t, 0.35, got[0].Score, 1e-9)
	assert.Equal(t, 1, got[0].Depth)
	assert.Equal(t, e12.ID, got[0].SourceEdge.ID)
	assert.Equal(t, []int64{l1, l2}, got[0].Path)

	assert.Equal(t, l3, got[1].Learning.ID)
	assert.InDelta(t, 0.098, got[1].Score, 1e-9)
	assert.Equal(t, 2, got[1].Depth)
	assert.Equal(t, e23.ID, got[1].SourceEdge.ID)
	assert.Equal(t, []int64{l1, l2, l3}, got[1].Path)
}

func TestExpandIsBidirectional(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.addLearning(t, "seed")
	upstream := f.addLearning(t, "points at the seed")
	f.link(t, types.NodeLearning, lid(upstream), types.NodeLearning, lid(seed), types.EdgeDerivedFrom, 0.8)

	got, err := f.x.Expand(ctx, []Seed{{LearningID: seed, Score: 1.0}}, Opts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, upstream, got[0].Learning.ID)
	assert.InDelta(t, 0.8*0.7, got[0].Score, 1e-9)
}

func TestExpandDepthZeroReturnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l1 := f.addLearning(t, "seed")
	l2 := f.addLearning(t, "neighbor")
	f.link(t, types.NodeLearning, lid(l1), types.NodeLearning, lid(l2), types.EdgeSimilarTo, 0.9)

	got, err := f.x.Expand(ctx, []Seed{{LearningID: l1, Score: 1.0}}, Opts{Depth: intPtr(0)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandNoSeedsReturnsNothing(t *testing.T) {
	f := newFixture(t)

	got, err := f.x.Expand(context.Background(), nil, Opts{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandMaxNodesKeepsBest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.addLearning(t, "seed")
	weak := f.addLearning(t, "weak")
	strong := f.addLearning(t, "strong")
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(weak), types.EdgeSimilarTo, 0.2)
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(strong), types.EdgeSimilarTo, 0.9)

	got, err := f.x.Expand(ctx, []Seed{{LearningID: seed, Score: 1.0}}, Opts{MaxNodes: intPtr(1)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, strong, got[0].Learning.ID)
}

func TestExpandSkipsNonLearningEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.addLearning(t, "seed")
	f.link(t, types.NodeLearning, lid(seed), types.NodeFile, "pkg/db.go", types.EdgeAnchoredTo, 1.0)

	got, err := f.x.Expand(ctx, []Seed{{LearningID: seed, Score: 1.0}}, Opts{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandFirstDiscoveryWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.addLearning(t, "seed")
	mid := f.addLearning(t, "mid")
	far := f.addLearning(t, "far")
	// Direct weak edge and an indirect strong route; depth-1 discovery
	// fixes the score.
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(far), types.EdgeSimilarTo, 0.1)
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(mid), types.EdgeSimilarTo, 1.0)
	f.link(t, types.NodeLearning, lid(mid), types.NodeLearning, lid(far), types.EdgeSimilarTo, 1.0)

	got, err := f.x.Expand(ctx, []Seed{{LearningID: seed, Score: 1.0}}, Opts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, n := range got {
		if n.Learning.ID == far {
			assert.Equal(t, 1, n.Depth)
			assert.InDelta(t, 0.1*0.7, n.Score, 1e-9)
		}
	}
}

func TestExpandEdgeTypeFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.addLearning(t, "seed")
	similar := f.addLearning(t, "similar")
	derived := f.addLearning(t, "derived")
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(similar), types.EdgeSimilarTo, 0.9)
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(derived), types.EdgeDerivedFrom, 0.9)

	seeds := []Seed{{LearningID: seed, Score: 1.0}}

	flat, err := f.x.Expand(ctx, seeds, Opts{EdgeTypes: []types.EdgeType{types.EdgeSimilarTo}})
	require.NoError(t, err)
	require.Len(t, flat, 1)
	assert.Equal(t, similar, flat[0].Learning.ID)

	excluded, err := f.x.Expand(ctx, seeds, Opts{
		Filter: &TypeFilter{Exclude: []types.EdgeType{types.EdgeSimilarTo}},
	})
	require.NoError(t, err)
	require.Len(t, excluded, 1)
	assert.Equal(t, derived, excluded[0].Learning.ID)
}

func TestExpandPerHopFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.addLearning(t, "seed")
	hop1 := f.addLearning(t, "hop one")
	hop2 := f.addLearning(t, "hop two")
	f.link(t, types.NodeLearning, lid(seed), types.NodeLearning, lid(hop1), types.EdgeSimilarTo, 0.9)
	f.link(t, types.NodeLearning, lid(hop1), types.NodeLearning, lid(hop2), types.EdgeSimilarTo, 0.9)

	// Hop 2 only admits DERIVED_FROM, so the walk stops after hop 1.
	got, err := f.x.Expand(ctx, []Seed{{LearningID: seed, Score: 1.0}}, Opts{
		Filter: &TypeFilter{PerHop: map[int]*TypeFilter{
			2: {Include: []types.EdgeType{types.EdgeDerivedFrom}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hop1, got[0].Learning.ID)
}

func TestExpandOptionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeds := []Seed{{LearningID: 1, Score: 1.0}}

	tests := []struct {
		name string
		opts Opts
	}{
		{"depth too deep", Opts{Depth: intPtr(11)}},
		{"negative depth", Opts{Depth: intPtr(-1)}},
		{"zero decay", Opts{DecayFactor: floatPtr(0)}},
		{"decay above one", Opts{DecayFactor: floatPtr(1.5)}},
		{"zero max nodes", Opts{MaxNodes: intPtr(0)}},
		{"include exclude overlap", Opts{Filter: &TypeFilter{
			Include: []types.EdgeType{types.EdgeSimilarTo},
			Exclude: []types.EdgeType{types.EdgeSimilarTo},
		}}},
		{"per hop overlap", Opts{Filter: &TypeFilter{
			PerHop: map[int]*TypeFilter{1: {
				Include: []types.EdgeType{types.EdgeImports},
				Exclude: []types.EdgeType{types.EdgeImports},
			}},
		}}},
		{"flat list and filter together", Opts{
			EdgeTypes: []types.EdgeType{types.EdgeSimilarTo},
			Filter:    &TypeFilter{Exclude: []types.EdgeType{types.EdgeImports}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.x.Expand(ctx, seeds, tt.opts)
			require.Error(t, err)
			assert.True(t, errdefs.IsValidation(err), "want validation error, got %v", err)
		})
	}

	_, err := f.x.Expand(ctx, []Seed{{LearningID: 0, Score: 1.0}}, Opts{})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestExpandFromFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anchored := f.addLearning(t, "anchored to input")
	imported := f.addLearning(t, "anchored to import")
	f.link(t, types.NodeLearning, lid(anchored), types.NodeFile, "a.go", types.EdgeAnchoredTo, 1.0)
	f.link(t, types.NodeFile, "a.go", types.NodeFile, "c.go", types.EdgeImports, 0.5)
	f.link(t, types.NodeLearning, lid(imported), types.NodeFile, "c.go", types.EdgeAnchoredTo, 1.0)

	got, err := f.x.ExpandFromFiles(ctx, []string{"a.go", "b.go"}, Opts{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, anchored, got[0].Learning.ID)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, 0, got[0].Hop)
	assert.True(t, got[0].Anchored)
	assert.Nil(t, got[0].Weight)
	assert.Equal(t, "a.go", got[0].FilePath)
	assert.Equal(t, types.EdgeAnchoredTo, got[0].Edge.Type)

	assert.Equal(t, imported, got[1].Learning.ID)
	assert.InDelta(t, 0.35, got[1].Score, 1e-9)
	assert.Equal(t, 1, got[1].Hop)
	assert.False(t, got[1].Anchored)
	require.NotNil(t, got[1].Weight)
	assert.Equal(t, 0.5, *got[1].Weight)
	assert.Equal(t, "c.go", got[1].FilePath)
}

func TestExpandFromFilesAnchoredPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	direct := f.addLearning(t, "direct")
	viaImport := f.addLearning(t, "via import")
	f.link(t, types.NodeLearning, lid(direct), types.NodeFile, "a.go", types.EdgeAnchoredTo, 1.0)
	// Full-weight edge and decay 1.0 gives the traversed learning an
	// equal score; the anchored one must still win the single slot.
	f.link(t, types.NodeFile, "a.go", types.NodeFile, "b.go", types.EdgeCoChangesWith, 1.0)
	f.link(t, types.NodeLearning, lid(viaImport), types.NodeFile, "b.go", types.EdgeAnchoredTo, 1.0)

	got, err := f.x.ExpandFromFiles(ctx, []string{"a.go"}, Opts{
		MaxNodes:    intPtr(1),
		DecayFactor: floatPtr(1.0),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, direct, got[0].Learning.ID)
	assert.True(t, got[0].Anchored)
}

func TestExpandFromFilesDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.addLearning(t, "anchored twice")
	f.link(t, types.NodeLearning, lid(l), types.NodeFile, "a.go", types.EdgeAnchoredTo, 1.0)
	f.link(t, types.NodeLearning, lid(l), types.NodeFile, "b.go", types.EdgeAnchoredTo, 1.0)
	// Non-learning anchor sources are ignored.
	f.link(t, types.NodeTask, "tx-1", types.NodeFile, "a.go", types.EdgeAnchoredTo, 1.0)

	got, err := f.x.ExpandFromFiles(ctx, []string{"a.go", "b.go", "a.go", " "}, Opts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, l, got[0].Learning.ID)
}

func TestExpandFromFilesRespectsDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	near := f.addLearning(t, "near")
	deep := f.addLearning(t, "deep")
	f.link(t, types.NodeFile, "a.go", types.NodeFile, "b.go", types.EdgeImports, 0.9)
	f.link(t, types.NodeFile, "b.go", types.NodeFile, "c.go", types.EdgeImports, 0.9)
	f.link(t, types.NodeLearning, lid(near), types.NodeFile, "b.go", types.EdgeAnchoredTo, 1.0)
	f.link(t, types.NodeLearning, lid(deep), types.NodeFile, "c.go", types.EdgeAnchoredTo, 1.0)

	got, err := f.x.ExpandFromFiles(ctx, []string{"a.go"}, Opts{Depth: intPtr(1)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0].Learning.ID)

	// Depth zero keeps only the learnings anchored to the inputs.
	got, err = f.x.ExpandFromFiles(ctx, []string{"b.go"}, Opts{Depth: intPtr(0)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0].Learning.ID)
	assert.True(t, got[0].Anchored)
	assert.Equal(t, 1.0, got[0].Score)
}
