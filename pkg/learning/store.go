package learning

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/events"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// Store is the append-only learning corpus. Rows are inserted, indexed
// for full-text search by trigger, and recalled through the hybrid
// ranker; content is never mutated after capture.
type Store struct {
	db        *storage.DB
	learnings repo.LearningRepo
	events    repo.EventRepo
	broker    *events.Broker
	embedder  EmbeddingProvider
	defaults  *Weights
	logger    zerolog.Logger
}

// NewStore creates a learning store. broker may be nil; a nil embedder
// falls back to NoopEmbedding.
func NewStore(db *storage.DB, broker *events.Broker, embedder EmbeddingProvider) *Store {
	if embedder == nil {
		embedder = NoopEmbedding{}
	}
	return &Store{
		db:       db,
		broker:   broker,
		embedder: embedder,
		logger:   log.WithComponent("learning"),
	}
}

// SetDefaultWeights replaces the built-in recall blend used when neither
// a per-call override nor learnings_config supplies one.
func (s *Store) SetDefaultWeights(w Weights) {
	if w.HalfLifeDays <= 0 {
		w.HalfLifeDays = DefaultWeights.HalfLifeDays
	}
	s.defaults = &w
}

// CreateInput carries the caller-settable fields for capturing a
// learning. SourceType defaults to manual.
type CreateInput struct {
	Content      string
	SourceType   types.LearningSource
	SourceRef    *string
	Keywords     []string
	Category     string
	OutcomeScore float64
	RunID        *string
}

// Create captures a new learning. The embedding is computed best-effort:
// an unavailable backend degrades to a lexical-only row rather than
// failing the capture.
func (s *Store) Create(ctx context.Context, in CreateInput) (*types.Learning, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, errdefs.NewValidation("content", "must not be empty")
	}
	sourceType := in.SourceType
	if sourceType == "" {
		sourceType = types.LearningSourceManual
	}
	if !types.ValidLearningSource(sourceType) {
		return nil, errdefs.NewValidation("sourceType", "unknown source type "+string(sourceType))
	}

	now := time.Now()
	l := &types.Learning{
		Content:      content,
		SourceType:   sourceType,
		SourceRef:    in.SourceRef,
		Keywords:     in.Keywords,
		Category:     in.Category,
		OutcomeScore: in.OutcomeScore,
		RunID:        in.RunID,
		CreatedAt:    now,
	}
	if l.Keywords == nil {
		l.Keywords = []string{}
	}

	if s.embedder.IsAvailable() {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Embedding failed, storing lexical-only")
		} else if len(vec) > 0 {
			buf, err := EncodeVector(vec)
			if err != nil {
				return nil, err
			}
			l.Embedding = buf
		}
	}

	var evt *types.Event
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.learnings.Insert(ctx, tx, l)
		if err != nil {
			return err
		}
		l.ID = id
		evt = &types.Event{
			Timestamp: now,
			Type:      types.EventLearningCaptured,
			RunID:     in.RunID,
			Content:   snippet(content, 120),
			Metadata:  map[string]any{"learningId": id, "category": in.Category},
		}
		return s.events.Insert(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}

	s.broker.Publish(evt)
	s.logger.Info().Int64("learning_id", l.ID).Str("source", string(sourceType)).Msg("Learning captured")
	return l, nil
}

// Get returns one learning.
func (s *Store) Get(ctx context.Context, id int64) (*types.Learning, error) {
	return s.learnings.Get(ctx, s.db, id)
}

// List returns learnings matching the filter, newest first.
func (s *Store) List(ctx context.Context, f repo.LearningFilter) ([]*types.Learning, error) {
	return s.learnings.List(ctx, s.db, f)
}

// Count returns the total number of stored learnings.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.learnings.Count(ctx, s.db)
}

// Reembed recomputes and stores the embedding for one learning. Used
// after switching embedding backends.
func (s *Store) Reembed(ctx context.Context, id int64) error {
	l, err := s.learnings.Get(ctx, s.db, id)
	if err != nil {
		return err
	}
	vec, err := s.embedder.Embed(ctx, l.Content)
	if err != nil {
		return err
	}
	buf, err := EncodeVector(vec)
	if err != nil {
		return err
	}
	return s.learnings.SetEmbedding(ctx, s.db, id, buf)
}

// SetConfigWeight stores one recall weight override in learnings_config.
func (s *Store) SetConfigWeight(ctx context.Context, key, value string) error {
	switch key {
	case configBM25, configVector, configRecency, configHalfLife:
	default:
		return errdefs.NewValidation("key", "unknown recall config key "+key)
	}
	return s.learnings.SetConfig(ctx, s.db, key, value)
}

// snippet truncates s for event content without splitting runes.
func snippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
