package jsonl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
)

// ExportResult reports one log export.
type ExportResult struct {
	Lines   int  `json:"lines"`
	Skipped bool `json:"skipped"`
}

// Export rewrites the kind's log file from the database. Lines are
// ordered by (ts, op, key) so the same data always renders the same
// bytes, the write goes through a temp file and rename, and a content
// hash from the previous export short-circuits rewriting an unchanged
// file. An empty path means the kind's default under the sync dir.
func (s *Syncer) Export(ctx context.Context, kind Kind, path string) (*ExportResult, error) {
	if !ValidKind(kind) {
		return nil, errdefs.NewValidation("kind", fmt.Sprintf("unknown sync kind %q", kind))
	}
	if path == "" {
		path = s.Path(kind)
	}

	ops, err := s.exportOps(ctx, kind)
	if err != nil {
		return nil, err
	}
	sortExportOps(ops)
	content, err := renderOps(ops)
	if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	now := storage.FormatTime(time.Now().UTC())

	prev, ok, err := s.stateGet(ctx, "last_export_hash", kind)
	if err != nil {
		return nil, err
	}
	if ok && prev == digest && fileExists(path) {
		if err := s.stateSet(ctx, "last_export", kind, now); err != nil {
			return nil, err
		}
		s.logger.Debug().Str("kind", string(kind)).Msg("Export unchanged, skipping write")
		return &ExportResult{Lines: len(ops), Skipped: true}, nil
	}

	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}
	if err := s.stateSet(ctx, "last_export_hash", kind, digest); err != nil {
		return nil, err
	}
	if err := s.stateSet(ctx, "last_export", kind, now); err != nil {
		return nil, err
	}
	metrics.SyncExports.WithLabelValues(string(kind)).Inc()
	s.logger.Info().
		Str("kind", string(kind)).
		Int("lines", len(ops)).
		Str("path", path).
		Msg("Exported sync log")
	return &ExportResult{Lines: len(ops)}, nil
}

// expOp is one renderable line plus the fields it sorts by.
type expOp struct {
	ts  time.Time
	tag string
	key string
	ln  line
}

func (s *Syncer) exportOps(ctx context.Context, kind Kind) ([]expOp, error) {
	switch kind {
	case KindTasks:
		return s.taskExportOps(ctx)
	case KindLearnings:
		return s.learningExportOps(ctx)
	case KindFileLearnings:
		return s.fileLearningExportOps(ctx)
	case KindAttempts:
		return s.attemptExportOps(ctx)
	}
	return nil, errdefs.NewValidation("kind", fmt.Sprintf("unknown sync kind %q", kind))
}

func (s *Syncer) taskExportOps(ctx context.Context) ([]expOp, error) {
	tasks, err := s.tasks.List(ctx, s.db, repo.TaskFilter{})
	if err != nil {
		return nil, err
	}
	deps, err := s.deps.ListAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	ops := make([]expOp, 0, len(tasks)+len(deps))
	for _, t := range tasks {
		ops = append(ops, expOp{
			ts:  t.UpdatedAt,
			tag: OpUpsert,
			key: t.ID,
			ln: line{
				V:    OpVersion,
				Op:   OpUpsert,
				TS:   storage.FormatTime(t.UpdatedAt),
				ID:   t.ID,
				Data: taskData(t),
			},
		})
	}
	for _, d := range deps {
		ops = append(ops, expOp{
			ts:  d.CreatedAt,
			tag: OpDepAdd,
			key: d.BlockerID + "\x00" + d.BlockedID,
			ln: line{
				V:         OpVersion,
				Op:        OpDepAdd,
				TS:        storage.FormatTime(d.CreatedAt),
				BlockerID: d.BlockerID,
				BlockedID: d.BlockedID,
			},
		})
	}
	return ops, nil
}

func (s *Syncer) learningExportOps(ctx context.Context) ([]expOp, error) {
	learnings, err := s.learnings.ListAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	ops := make([]expOp, 0, len(learnings))
	for _, l := range learnings {
		ops = append(ops, expOp{
			ts:  l.CreatedAt,
			tag: OpLearningUpsert,
			key: fmt.Sprintf("%020d", l.ID),
			ln: line{
				V:    OpVersion,
				Op:   OpLearningUpsert,
				TS:   storage.FormatTime(l.CreatedAt),
				ID:   l.ID,
				Data: learningData(l),
			},
		})
	}
	return ops, nil
}

func (s *Syncer) fileLearningExportOps(ctx context.Context) ([]expOp, error) {
	rows, err := s.fileLearnings.ListAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	ops := make([]expOp, 0, len(rows))
	for _, fl := range rows {
		ops = append(ops, expOp{
			ts:  fl.UpdatedAt,
			tag: OpFileLearningUpsert,
			key: fmt.Sprintf("%020d", fl.ID),
			ln: line{
				V:    OpVersion,
				Op:   OpFileLearningUpsert,
				TS:   storage.FormatTime(fl.UpdatedAt),
				ID:   fl.ID,
				Data: fileLearningData(fl),
			},
		})
	}
	return ops, nil
}

func (s *Syncer) attemptExportOps(ctx context.Context) ([]expOp, error) {
	rows, err := s.attempts.ListAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	ops := make([]expOp, 0, len(rows))
	for _, a := range rows {
		ops = append(ops, expOp{
			ts:  a.CreatedAt,
			tag: OpAttemptUpsert,
			key: fmt.Sprintf("%020d", a.ID),
			ln: line{
				V:    OpVersion,
				Op:   OpAttemptUpsert,
				TS:   storage.FormatTime(a.CreatedAt),
				ID:   a.ID,
				Data: attemptData(a),
			},
		})
	}
	return ops, nil
}

func sortExportOps(ops []expOp) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		if a.tag != b.tag {
			return a.tag < b.tag
		}
		return a.key < b.key
	})
}

// renderOps marshals ops one per line. Every line ends with a newline,
// so an empty op set renders an empty file.
func renderOps(ops []expOp) ([]byte, error) {
	var buf bytes.Buffer
	for _, op := range ops {
		b, err := json.Marshal(op.ln)
		if err != nil {
			return nil, fmt.Errorf("marshal %s op: %w", op.tag, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sync dir %s: %w", dir, err)
	}
	return nil
}

// writeAtomic lands content at path via temp file and rename, so
// readers never observe a half-written log.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// splitLines returns the non-empty trimmed lines of a log file.
func splitLines(content []byte) [][]byte {
	var out [][]byte
	for _, ln := range bytes.Split(content, []byte("\n")) {
		ln = bytes.TrimSpace(ln)
		if len(ln) > 0 {
			out = append(out, ln)
		}
	}
	return out
}
