// Package anchor pins learnings to concrete code locations: a file, a
// line span, a symbol or a doublestar glob. Verification re-checks each
// anchor against the working tree and records whether the location
// still holds, so recall can prefer knowledge whose ground truth has
// not drifted.
package anchor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// hexHashRe matches a lowercase sha256 digest.
var hexHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Service binds learnings to code locations and keeps those bindings
// honest against the working tree. Anchors are soft-deleted by marking
// them invalid; verification may move them between valid and drifted but
// never deletes.
type Service struct {
	db        *storage.DB
	anchors   repo.AnchorRepo
	learnings repo.LearningRepo
	edges     repo.EdgeRepo
	root      string
	logger    zerolog.Logger
}

// NewService creates an anchor service. root is the directory that
// relative anchor paths and glob patterns resolve against.
func NewService(db *storage.DB, root string) *Service {
	return &Service{
		db:     db,
		root:   root,
		logger: log.WithComponent("anchor"),
	}
}

// CreateInput carries the caller-settable fields for creating an anchor.
// Which fields are required depends on Kind.
type CreateInput struct {
	LearningID   int64
	Kind         types.AnchorKind
	FilePath     string
	Value        string
	SymbolFqname *string
	LineStart    *int
	LineEnd      *int
}

// Create validates the kind-specific rules, inserts the anchor, and
// links the learning to the file with an ANCHORED_TO edge when one does
// not already exist.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Anchor, error) {
	if !types.ValidAnchorKind(in.Kind) {
		return nil, errdefs.NewValidation("kind", "unknown anchor kind "+string(in.Kind))
	}
	if strings.TrimSpace(in.FilePath) == "" {
		return nil, errdefs.NewValidation("filePath", "must not be empty")
	}

	now := time.Now()
	a := &types.Anchor{
		LearningID:   in.LearningID,
		Kind:         in.Kind,
		FilePath:     in.FilePath,
		Value:        in.Value,
		SymbolFqname: in.SymbolFqname,
		LineStart:    in.LineStart,
		LineEnd:      in.LineEnd,
		Status:       types.AnchorStatusValid,
		CreatedAt:    now,
	}
	if err := validateKind(a); err != nil {
		return nil, err
	}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.learnings.Exists(ctx, tx, in.LearningID)
		if err != nil {
			return err
		}
		if !ok {
			return &errdefs.LearningNotFoundError{ID: in.LearningID}
		}
		id, err := s.anchors.Insert(ctx, tx, a)
		if err != nil {
			return err
		}
		a.ID = id
		return s.ensureAnchoredEdge(ctx, tx, in.LearningID, in.FilePath, now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("anchor_id", a.ID).
		Int64("learning_id", in.LearningID).
		Str("kind", string(in.Kind)).
		Str("file", in.FilePath).
		Msg("Anchor created")
	return a, nil
}

// validateKind enforces the per-kind field rules and fills the derived
// columns.
func validateKind(a *types.Anchor) error {
	switch a.Kind {
	case types.AnchorKindGlob:
		if strings.TrimSpace(a.Value) == "" {
			return errdefs.NewValidation("value", "glob anchors need a pattern")
		}
		if !doublestar.ValidatePattern(a.Value) {
			return errdefs.NewValidation("value", "malformed glob pattern "+a.Value)
		}

	case types.AnchorKindHash:
		if !hexHashRe.MatchString(a.Value) {
			return errdefs.NewValidation("value", "hash anchors need a lowercase sha256 digest")
		}
		hash := a.Value
		a.ContentHash = &hash
		if err := validateLinePair(a.LineStart, a.LineEnd, false); err != nil {
			return err
		}

	case types.AnchorKindSymbol:
		if a.SymbolFqname == nil || *a.SymbolFqname == "" {
			return errdefs.NewValidation("symbolFqname", "symbol anchors need a fully qualified name")
		}
		path, name, ok := strings.Cut(*a.SymbolFqname, "::")
		if !ok || path == "" || name == "" {
			return errdefs.NewValidation("symbolFqname", "expected <path>::<name>, got "+*a.SymbolFqname)
		}
		if a.Value == "" {
			a.Value = *a.SymbolFqname
		}

	case types.AnchorKindLineRange:
		if err := validateLinePair(a.LineStart, a.LineEnd, true); err != nil {
			return err
		}
		if a.Value == "" {
			a.Value = fmt.Sprintf("%d-%d", *a.LineStart, *a.LineEnd)
		}
	}
	return nil
}

// validateLinePair checks the shared line bound rules: present values
// are 1-based and end never precedes start.
func validateLinePair(start, end *int, required bool) error {
	if required {
		if start == nil || end == nil {
			return errdefs.NewValidation("lineStart", "line_range anchors need both lineStart and lineEnd")
		}
	}
	if start != nil && *start < 1 {
		return errdefs.NewValidation("lineStart", "must be >= 1")
	}
	if end != nil && *end < 1 {
		return errdefs.NewValidation("lineEnd", "must be >= 1")
	}
	if start != nil && end != nil && *end < *start {
		return errdefs.NewValidation("lineEnd", "must not precede lineStart")
	}
	return nil
}

// ensureAnchoredEdge creates the learning-to-file ANCHORED_TO edge once;
// repeated anchors on the same pair reuse it.
func (s *Service) ensureAnchoredEdge(ctx context.Context, tx *sqlx.Tx, learningID int64, filePath string, now time.Time) error {
	e := &types.Edge{
		SourceKind: types.NodeLearning,
		SourceID:   strconv.FormatInt(learningID, 10),
		TargetKind: types.NodeFile,
		TargetID:   filePath,
		Type:       types.EdgeAnchoredTo,
		Weight:     1.0,
		Metadata:   map[string]any{},
		CreatedAt:  now,
	}
	existing, err := s.edges.FindExisting(ctx, tx, e)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = s.edges.Insert(ctx, tx, e)
	return err
}

// Get returns one anchor.
func (s *Service) Get(ctx context.Context, id int64) (*types.Anchor, error) {
	return s.anchors.Get(ctx, s.db, id)
}

// Remove soft-deletes the anchor by marking it invalid.
func (s *Service) Remove(ctx context.Context, id int64) error {
	if err := s.anchors.SetStatus(ctx, s.db, id, types.AnchorStatusInvalid, time.Now()); err != nil {
		return err
	}
	s.logger.Info().Int64("anchor_id", id).Msg("Anchor removed")
	return nil
}

// UpdateStatus sets the anchor's verification state directly.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status types.AnchorStatus) error {
	if !types.ValidAnchorStatus(status) {
		return errdefs.NewValidation("status", "unknown anchor status "+string(status))
	}
	return s.anchors.SetStatus(ctx, s.db, id, status, time.Now())
}

// ForFile returns every anchor on the exact path.
func (s *Service) ForFile(ctx context.Context, path string) ([]*types.Anchor, error) {
	return s.anchors.ListByFile(ctx, s.db, path)
}

// ForLearning returns every anchor belonging to the learning.
func (s *Service) ForLearning(ctx context.Context, learningID int64) ([]*types.Anchor, error) {
	return s.anchors.ListByLearning(ctx, s.db, learningID)
}

// Drifted returns anchors whose last verification found changed content.
func (s *Service) Drifted(ctx context.Context) ([]*types.Anchor, error) {
	return s.anchors.ListByStatus(ctx, s.db, types.AnchorStatusDrifted)
}

// Invalid returns soft-deleted anchors.
func (s *Service) Invalid(ctx context.Context) ([]*types.Anchor, error) {
	return s.anchors.ListByStatus(ctx, s.db, types.AnchorStatusInvalid)
}

// CountByStatus returns anchor counts grouped by verification status.
func (s *Service) CountByStatus(ctx context.Context) (map[types.AnchorStatus]int, error) {
	return s.anchors.CountByStatus(ctx, s.db)
}
