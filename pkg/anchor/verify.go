package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jamesaphoenix/tx/pkg/types"
)

// verifyConcurrency bounds parallel file reads during a file sweep.
const verifyConcurrency = 8

// Verify recomputes the anchor's truth against the file system and
// records the outcome. A missing file is drift; any other I/O failure
// leaves the stored status untouched and returns the error. Invalid
// anchors are soft-deleted and stay that way.
func (s *Service) Verify(ctx context.Context, id int64) (*types.Anchor, error) {
	a, err := s.anchors.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AnchorStatusInvalid {
		return a, nil
	}

	status, err := s.evaluate(a)
	if err != nil {
		return a, err
	}

	now := time.Now()
	if err := s.anchors.SetStatus(ctx, s.db, id, status, now); err != nil {
		return a, err
	}
	if status != a.Status {
		s.logger.Info().
			Int64("anchor_id", id).
			Str("from", string(a.Status)).
			Str("to", string(status)).
			Msg("Anchor verification changed status")
	}
	a.Status = status
	a.VerifiedAt = &now
	return a, nil
}

// VerifyFile re-verifies every anchor on the path and returns counts by
// resulting status. Anchors whose verification failed on I/O keep and
// are counted under their previous status.
func (s *Service) VerifyFile(ctx context.Context, path string) (map[types.AnchorStatus]int, error) {
	anchors, err := s.anchors.ListByFile(ctx, s.db, path)
	if err != nil {
		return nil, err
	}

	counts := make(map[types.AnchorStatus]int)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)

	for _, a := range anchors {
		a := a
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			verified, err := s.Verify(ctx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Int64("anchor_id", a.ID).Msg("Anchor verification failed")
				counts[a.Status]++
				return nil
			}
			counts[verified.Status]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// evaluate computes the fresh status for an anchor without writing it.
func (s *Service) evaluate(a *types.Anchor) (types.AnchorStatus, error) {
	switch a.Kind {
	case types.AnchorKindGlob:
		return s.evaluateGlob(a)
	case types.AnchorKindHash:
		return s.evaluateHash(a)
	case types.AnchorKindSymbol:
		return s.evaluateSymbol(a)
	case types.AnchorKindLineRange:
		return s.evaluateLineRange(a)
	}
	return a.Status, nil
}

func (s *Service) evaluateGlob(a *types.Anchor) (types.AnchorStatus, error) {
	matches, err := doublestar.Glob(os.DirFS(s.root), a.Value)
	if err != nil {
		return a.Status, err
	}
	if len(matches) == 0 {
		return types.AnchorStatusDrifted, nil
	}
	return types.AnchorStatusValid, nil
}

func (s *Service) evaluateHash(a *types.Anchor) (types.AnchorStatus, error) {
	content, missing, err := s.readFile(a.FilePath)
	if err != nil {
		return a.Status, err
	}
	if missing {
		return types.AnchorStatusDrifted, nil
	}

	want := a.Value
	if a.ContentHash != nil {
		want = *a.ContentHash
	}

	var got string
	if a.LineStart != nil && a.LineEnd != nil {
		lines := splitLines(content)
		if *a.LineEnd > len(lines) {
			return types.AnchorStatusDrifted, nil
		}
		got = hashText(strings.Join(lines[*a.LineStart-1:*a.LineEnd], "\n"))
	} else {
		got = hashText(content)
	}
	if got != want {
		return types.AnchorStatusDrifted, nil
	}
	return types.AnchorStatusValid, nil
}

func (s *Service) evaluateSymbol(a *types.Anchor) (types.AnchorStatus, error) {
	content, missing, err := s.readFile(a.FilePath)
	if err != nil {
		return a.Status, err
	}
	if missing {
		return types.AnchorStatusDrifted, nil
	}

	_, name, ok := strings.Cut(*a.SymbolFqname, "::")
	if !ok {
		name = *a.SymbolFqname
	}
	if !symbolPresent(content, name) {
		return types.AnchorStatusDrifted, nil
	}
	return types.AnchorStatusValid, nil
}

func (s *Service) evaluateLineRange(a *types.Anchor) (types.AnchorStatus, error) {
	content, missing, err := s.readFile(a.FilePath)
	if err != nil {
		return a.Status, err
	}
	if missing {
		return types.AnchorStatusDrifted, nil
	}

	lines := splitLines(content)
	if *a.LineEnd > len(lines) {
		return types.AnchorStatusDrifted, nil
	}
	if a.ContentHash != nil {
		got := hashText(strings.Join(lines[*a.LineStart-1:*a.LineEnd], "\n"))
		if got != *a.ContentHash {
			return types.AnchorStatusDrifted, nil
		}
	}
	return types.AnchorStatusValid, nil
}

// readFile loads the anchored file. missing is reported separately from
// real I/O failures so callers can treat absence as drift.
func (s *Service) readFile(path string) (content string, missing bool, err error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(buf), false, nil
}

// splitLines breaks content into lines without counting a trailing
// newline as an extra empty line.
func splitLines(content string) []string {
	lines := strings.Split(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// symbolPresent reports whether name occurs in content as a whole token
// rather than a substring of a longer identifier.
func symbolPresent(content, name string) bool {
	re := regexp.MustCompile(`(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_])`)
	return re.MatchString(content)
}
