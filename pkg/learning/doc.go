/*
Package learning is the append-only memory of the system: durable
observations captured during work and recalled later by a hybrid
ranker.

Learnings are never edited after capture. Recall blends full-text
relevance, embedding similarity and recency so that what comes back is
both on-topic and not stale; usage counters on recalled rows feed
later compaction decisions.

# Architecture

	┌──────────────────── LEARNING STORE ───────────────────────┐
	│                                                            │
	│  Create ──► insert row ──► FTS5 index (trigger)            │
	│                │                                           │
	│                └──► embed best-effort ──► msgpack blob     │
	│                                                            │
	│  Recall ──► FTS5 BM25 candidates (pool oversized)          │
	│             + recent embedded rows when a query vector     │
	│             exists                                         │
	│                │                                           │
	│                └──► blend ──► rank ──► touch usage         │
	└────────────────────────────────────────────────────────────┘

# Recall Scoring

Each candidate scores

	w.BM25*bm25 + w.Vector*cosine + w.Recency*recency

where bm25 is the FTS5 rank normalized into [0,1], cosine compares the
stored vector with the query vector, and recency decays exponentially
with age (1.0 at capture, 0.5 after one half-life). When the embedding
backend cannot embed the query the vector weight is dropped and the
remaining weights renormalize, so lexical-only deployments still rank
sensibly.

Weights resolve in order: per-call override, learnings_config table,
store defaults (seeded from the config file by the engine), shipped
DefaultWeights.

# Embeddings

EmbeddingProvider is the port; NoopEmbedding is the shipped fallback
that reports unavailability. Vectors are encoded with msgpack into a
single blob column. Embeddings are machine-local: they never travel
through JSONL replication, and Reembed recomputes a row on demand after
a backend becomes available.

# Usage

	store := learning.NewStore(db, broker, nil)
	captured, err := store.Create(ctx, learning.CreateInput{
		Content:    "Retry the export after a busy timeout",
		SourceType: types.LearningSourceRun,
	})
	if err != nil {
		return err
	}
	hits, err := store.Recall(ctx, "export timeout", 10, nil)

# Integration Points

  - pkg/graph seeds expansion from recall hits
  - pkg/jsonl replicates learning rows (without embeddings or usage)
  - pkg/events records learning_captured alongside each insert

# See Also

  - pkg/types for the Learning model and source vocabulary
  - pkg/repo for the FTS5 queries
*/
package learning
