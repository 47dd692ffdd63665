package learning

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// learnings_config keys.
const (
	configBM25     = "bm25_weight"
	configVector   = "vector_weight"
	configRecency  = "recency_weight"
	configHalfLife = "recency_half_life_days"
)

// Weights control the hybrid recall blend.
type Weights struct {
	BM25         float64
	Vector       float64
	Recency      float64
	HalfLifeDays float64
}

// DefaultWeights is the shipped blend, also seeded into learnings_config.
var DefaultWeights = Weights{BM25: 0.4, Vector: 0.4, Recency: 0.2, HalfLifeDays: 30}

// RecallHit is one ranked recall result with its score components.
type RecallHit struct {
	Learning *types.Learning `json:"learning"`
	Score    float64         `json:"score"`
	BM25     float64         `json:"bm25"`
	Vector   float64         `json:"vector"`
	Recency  float64         `json:"recency"`
}

const (
	defaultRecallLimit = 10
	// candidatePoolFactor oversizes the FTS candidate pool so vector and
	// recency components can promote lexically weaker matches.
	candidatePoolFactor = 4
	// recentEmbeddedPool bounds how many recent embedded learnings join
	// the candidate set when a query vector is available.
	recentEmbeddedPool = 200
)

// Recall ranks learnings against the query with a weighted blend of FTS5
// BM25, embedding cosine similarity and exponential recency decay. When
// the embedding backend cannot embed the query, the vector weight
// collapses to 0 and the remaining weights renormalize. Hits get their
// usage counters touched.
func (s *Store) Recall(ctx context.Context, query string, limit int, w *Weights) ([]RecallHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errdefs.NewValidation("query", "must not be empty")
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.RecallDuration) }()

	weights := s.effectiveWeights(ctx, w)

	hits, err := s.learnings.Search(ctx, s.db, ftsQuery(query), limit*candidatePoolFactor)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if weights.Vector > 0 && s.embedder.IsAvailable() {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Query embedding failed, lexical-only recall")
		} else {
			queryVec = vec
		}
	}
	if queryVec == nil {
		rest := weights.BM25 + weights.Recency
		if rest > 0 {
			weights.BM25 /= rest
			weights.Recency /= rest
		}
		weights.Vector = 0
	}

	candidates := make(map[int64]*RecallHit, len(hits))
	order := make([]int64, 0, len(hits))

	// BM25 rank is lower-is-better; negate and normalize against the
	// best candidate so the lexical component lands in [0,1].
	best := 0.0
	for _, h := range hits {
		if raw := -h.Rank; raw > best {
			best = raw
		}
	}
	for _, h := range hits {
		hit := &RecallHit{Learning: h.Learning}
		if best > 0 {
			hit.BM25 = math.Max(0, -h.Rank/best)
		}
		candidates[h.Learning.ID] = hit
		order = append(order, h.Learning.ID)
	}

	// With a query vector, recent embedded learnings compete even when
	// they miss lexically.
	if queryVec != nil {
		recent, err := s.learnings.ListRecentWithEmbeddings(ctx, s.db, recentEmbeddedPool)
		if err != nil {
			return nil, err
		}
		for _, l := range recent {
			if _, ok := candidates[l.ID]; !ok {
				candidates[l.ID] = &RecallHit{Learning: l}
				order = append(order, l.ID)
			}
		}
	}

	now := time.Now()
	for _, id := range order {
		hit := candidates[id]
		if queryVec != nil && len(hit.Learning.Embedding) > 0 {
			vec, err := DecodeVector(hit.Learning.Embedding)
			if err != nil {
				s.logger.Warn().Err(err).Int64("learning_id", id).Msg("Undecodable embedding skipped")
			} else {
				hit.Vector = math.Max(0, Cosine(queryVec, vec))
			}
		}
		hit.Recency = recencyScore(now, hit.Learning.CreatedAt, weights.HalfLifeDays)
		hit.Score = weights.BM25*hit.BM25 + weights.Vector*hit.Vector + weights.Recency*hit.Recency
	}

	ranked := make([]RecallHit, 0, len(order))
	for _, id := range order {
		ranked = append(ranked, *candidates[id])
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	if len(ranked) > 0 {
		ids := make([]int64, len(ranked))
		for i, hit := range ranked {
			ids[i] = hit.Learning.ID
		}
		if err := s.learnings.TouchUsage(ctx, s.db, ids, now); err != nil {
			return nil, err
		}
	}
	return ranked, nil
}

// effectiveWeights resolves the blend: explicit override, else
// learnings_config, else defaults.
func (s *Store) effectiveWeights(ctx context.Context, override *Weights) Weights {
	if override != nil {
		w := *override
		if w.HalfLifeDays <= 0 {
			w.HalfLifeDays = DefaultWeights.HalfLifeDays
		}
		return w
	}

	w := DefaultWeights
	if s.defaults != nil {
		w = *s.defaults
	}
	cfg, err := s.learnings.ConfigMap(ctx, s.db)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Recall config unreadable, using defaults")
		return w
	}
	assign := func(key string, dst *float64) {
		raw, ok := cfg[key]
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			s.logger.Warn().Str("key", key).Str("value", raw).Msg("Ignoring bad recall config value")
			return
		}
		*dst = v
	}
	assign(configBM25, &w.BM25)
	assign(configVector, &w.Vector)
	assign(configRecency, &w.Recency)
	assign(configHalfLife, &w.HalfLifeDays)
	if w.HalfLifeDays <= 0 {
		w.HalfLifeDays = DefaultWeights.HalfLifeDays
	}
	return w
}

// recencyScore decays exponentially with age: 1.0 at creation, 0.5 after
// one half-life.
func recencyScore(now, createdAt time.Time, halfLifeDays float64) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

// ftsQuery rewrites free text into an FTS5 MATCH expression. Tokens are
// quoted so punctuation cannot break the query parser and OR-joined so
// any matching token yields a candidate; the weighted blend does the
// actual ranking.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
