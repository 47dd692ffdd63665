package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// ImportResult counts what one import did.
type ImportResult struct {
	Imported    int `json:"imported"`
	Skipped     int `json:"skipped"`
	Conflicts   int `json:"conflicts"`
	ParseErrors int `json:"parseErrors"`
}

// Import folds the kind's log into the database. Lines that fail
// validation are counted and skipped rather than aborting. The
// surviving ops reduce to the newest per entity and apply in a single
// transaction: upserts follow last-writer-wins against the existing
// row, deletes apply only when the row exists, dependency ops behave
// as set operations. A missing file imports nothing. An empty path
// means the kind's default under the sync dir.
func (s *Syncer) Import(ctx context.Context, kind Kind, path string) (*ImportResult, error) {
	if !ValidKind(kind) {
		return nil, errdefs.NewValidation("kind", fmt.Sprintf("unknown sync kind %q", kind))
	}
	if path == "" {
		path = s.Path(kind)
	}
	res := &ImportResult{}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var ops []parsedOp
	for i, raw := range bytes.Split(content, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		op, err := parseLine(kind, raw)
		if err != nil {
			res.ParseErrors++
			s.logger.Warn().
				Str("kind", string(kind)).
				Int("line", i+1).
				Err(err).
				Msg("Skipping unparseable sync line")
			continue
		}
		ops = append(ops, op)
	}
	ops = reduceOps(ops)

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		switch kind {
		case KindTasks:
			return s.applyTaskOps(ctx, tx, ops, res)
		case KindLearnings:
			return s.applyLearningOps(ctx, tx, ops, res)
		case KindFileLearnings:
			return s.applyFileLearningOps(ctx, tx, ops, res)
		default:
			return s.applyAttemptOps(ctx, tx, ops, res)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s log: %w", kind, err)
	}

	if err := s.stateSet(ctx, "last_import", kind, storage.FormatTime(time.Now().UTC())); err != nil {
		return nil, err
	}
	metrics.SyncOps.WithLabelValues(string(kind), "imported").Add(float64(res.Imported))
	metrics.SyncOps.WithLabelValues(string(kind), "skipped").Add(float64(res.Skipped))
	metrics.SyncOps.WithLabelValues(string(kind), "conflict").Add(float64(res.Conflicts))
	metrics.SyncOps.WithLabelValues(string(kind), "parse_error").Add(float64(res.ParseErrors))
	s.logger.Info().
		Str("kind", string(kind)).
		Int("imported", res.Imported).
		Int("skipped", res.Skipped).
		Int("conflicts", res.Conflicts).
		Int("parse_errors", res.ParseErrors).
		Msg("Imported sync log")
	return res, nil
}

// parsedOp is one validated log line, decoded far enough to reduce and
// apply. raw keeps the original bytes so compaction preserves fields
// this build does not understand.
type parsedOp struct {
	tag string
	ts  time.Time
	key string
	raw []byte

	task         *types.Task
	learning     *types.Learning
	fileLearning *types.FileLearning
	attempt      *types.Attempt

	taskID    string
	rowID     int64
	blockerID string
	blockedID string
}

func parseLine(kind Kind, raw []byte) (parsedOp, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return parsedOp{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := lineSchemas[kind].Validate(v); err != nil {
		return parsedOp{}, fmt.Errorf("schema: %w", err)
	}
	switch kind {
	case KindTasks:
		return parseTaskLine(raw)
	case KindLearnings:
		return parseLearningLine(raw)
	case KindFileLearnings:
		return parseFileLearningLine(raw)
	default:
		return parseAttemptLine(raw)
	}
}

type taskLine struct {
	Op        string    `json:"op"`
	TS        string    `json:"ts"`
	ID        string    `json:"id"`
	Data      *TaskData `json:"data"`
	BlockerID string    `json:"blockerId"`
	BlockedID string    `json:"blockedId"`
}

func parseTaskLine(raw []byte) (parsedOp, error) {
	var ln taskLine
	if err := json.Unmarshal(raw, &ln); err != nil {
		return parsedOp{}, err
	}
	ts, err := storage.ParseTime(ln.TS)
	if err != nil {
		return parsedOp{}, fmt.Errorf("ts: %w", err)
	}
	op := parsedOp{tag: ln.Op, ts: ts, raw: raw}
	switch ln.Op {
	case OpUpsert:
		t, err := ln.Data.toTask(ln.ID)
		if err != nil {
			return parsedOp{}, err
		}
		op.task = t
		op.key = "task\x00" + ln.ID
	case OpDelete:
		op.taskID = ln.ID
		op.key = "task\x00" + ln.ID
	case OpDepAdd, OpDepRemove:
		op.blockerID = ln.BlockerID
		op.blockedID = ln.BlockedID
		op.key = "dep\x00" + ln.BlockerID + "\x00" + ln.BlockedID
	}
	return op, nil
}

type learningLine struct {
	Op   string        `json:"op"`
	TS   string        `json:"ts"`
	ID   int64         `json:"id"`
	Data *LearningData `json:"data"`
}

func parseLearningLine(raw []byte) (parsedOp, error) {
	var ln learningLine
	if err := json.Unmarshal(raw, &ln); err != nil {
		return parsedOp{}, err
	}
	ts, err := storage.ParseTime(ln.TS)
	if err != nil {
		return parsedOp{}, fmt.Errorf("ts: %w", err)
	}
	op := parsedOp{tag: ln.Op, ts: ts, raw: raw, rowID: ln.ID, key: fmt.Sprintf("%020d", ln.ID)}
	if ln.Op == OpLearningUpsert {
		l, err := ln.Data.toLearning(ln.ID)
		if err != nil {
			return parsedOp{}, err
		}
		op.learning = l
	}
	return op, nil
}

type fileLearningLine struct {
	Op   string            `json:"op"`
	TS   string            `json:"ts"`
	ID   int64             `json:"id"`
	Data *FileLearningData `json:"data"`
}

func parseFileLearningLine(raw []byte) (parsedOp, error) {
	var ln fileLearningLine
	if err := json.Unmarshal(raw, &ln); err != nil {
		return parsedOp{}, err
	}
	ts, err := storage.ParseTime(ln.TS)
	if err != nil {
		return parsedOp{}, fmt.Errorf("ts: %w", err)
	}
	op := parsedOp{tag: ln.Op, ts: ts, raw: raw, rowID: ln.ID, key: fmt.Sprintf("%020d", ln.ID)}
	if ln.Op == OpFileLearningUpsert {
		fl, err := ln.Data.toFileLearning(ln.ID)
		if err != nil {
			return parsedOp{}, err
		}
		op.fileLearning = fl
	}
	return op, nil
}

type attemptLine struct {
	Op   string       `json:"op"`
	TS   string       `json:"ts"`
	ID   int64        `json:"id"`
	Data *AttemptData `json:"data"`
}

func parseAttemptLine(raw []byte) (parsedOp, error) {
	var ln attemptLine
	if err := json.Unmarshal(raw, &ln); err != nil {
		return parsedOp{}, err
	}
	ts, err := storage.ParseTime(ln.TS)
	if err != nil {
		return parsedOp{}, fmt.Errorf("ts: %w", err)
	}
	op := parsedOp{tag: ln.Op, ts: ts, raw: raw, rowID: ln.ID, key: fmt.Sprintf("%020d", ln.ID)}
	if ln.Op == OpAttemptUpsert {
		a, err := ln.Data.toAttempt(ln.ID)
		if err != nil {
			return parsedOp{}, err
		}
		op.attempt = a
	}
	return op, nil
}

// reduceOps keeps the newest op per key; on equal timestamps the first
// seen wins. The result is ordered for a deterministic apply: upserts,
// then deletes, then dependency ops, each sorted by key.
func reduceOps(ops []parsedOp) []parsedOp {
	byKey := make(map[string]parsedOp, len(ops))
	for _, op := range ops {
		cur, ok := byKey[op.key]
		if !ok || op.ts.After(cur.ts) {
			byKey[op.key] = op
		}
	}
	out := make([]parsedOp, 0, len(byKey))
	for _, op := range byKey {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := applyRank(a.tag), applyRank(b.tag); ra != rb {
			return ra < rb
		}
		return a.key < b.key
	})
	return out
}

func applyRank(tag string) int {
	switch tag {
	case OpDelete:
		return 1
	case OpDepAdd, OpDepRemove:
		return 2
	default:
		return 0
	}
}

func (s *Syncer) applyTaskOps(ctx context.Context, tx *sqlx.Tx, ops []parsedOp, res *ImportResult) error {
	// Parents can sort after their children. Such links are written
	// null first and repaired once the whole batch is in.
	type heldParent struct {
		taskID   string
		parentID string
	}
	var held []heldParent

	for _, op := range ops {
		switch op.tag {
		case OpUpsert:
			t := op.task
			existing, err := s.tasks.Get(ctx, tx, t.ID)
			if err != nil && !errdefs.IsNotFound(err) {
				return err
			}
			if existing != nil {
				if op.ts.Equal(existing.UpdatedAt) {
					res.Skipped++
					continue
				}
				if op.ts.Before(existing.UpdatedAt) {
					res.Conflicts++
					continue
				}
			}
			if t.ParentID != nil {
				ok, err := s.tasks.Exists(ctx, tx, *t.ParentID)
				if err != nil {
					return err
				}
				if !ok {
					held = append(held, heldParent{taskID: t.ID, parentID: *t.ParentID})
					cp := *t
					cp.ParentID = nil
					t = &cp
				}
			}
			if existing == nil {
				err = s.tasks.Insert(ctx, tx, t)
			} else {
				err = s.tasks.Update(ctx, tx, t)
			}
			if err != nil {
				return err
			}
			res.Imported++

		case OpDelete:
			err := s.tasks.Delete(ctx, tx, op.taskID)
			switch {
			case errdefs.IsNotFound(err):
				res.Skipped++
			case err != nil:
				return err
			default:
				res.Imported++
			}

		case OpDepAdd:
			blockerOK, err := s.tasks.Exists(ctx, tx, op.blockerID)
			if err != nil {
				return err
			}
			blockedOK, err := s.tasks.Exists(ctx, tx, op.blockedID)
			if err != nil {
				return err
			}
			if !blockerOK || !blockedOK {
				res.Conflicts++
				s.logger.Debug().
					Str("blocker_id", op.blockerID).
					Str("blocked_id", op.blockedID).
					Msg("Dependency references a missing task")
				continue
			}
			exists, err := s.deps.Exists(ctx, tx, op.blockerID, op.blockedID)
			if err != nil {
				return err
			}
			if exists {
				res.Skipped++
				continue
			}
			if err := s.deps.Add(ctx, tx, op.blockerID, op.blockedID, op.ts); err != nil {
				return err
			}
			res.Imported++

		case OpDepRemove:
			removed, err := s.deps.Remove(ctx, tx, op.blockerID, op.blockedID)
			if err != nil {
				return err
			}
			if removed {
				res.Imported++
			} else {
				res.Skipped++
			}
		}
	}

	for _, h := range held {
		ok, err := s.tasks.Exists(ctx, tx, h.parentID)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Warn().
				Str("task_id", h.taskID).
				Str("parent_id", h.parentID).
				Msg("Dropping link to missing parent task")
			continue
		}
		t, err := s.tasks.Get(ctx, tx, h.taskID)
		if errdefs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		t.ParentID = &h.parentID
		if err := s.tasks.Update(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) applyLearningOps(ctx context.Context, tx *sqlx.Tx, ops []parsedOp, res *ImportResult) error {
	for _, op := range ops {
		switch op.tag {
		case OpLearningUpsert:
			existing, err := s.learnings.Get(ctx, tx, op.learning.ID)
			if err != nil && !errdefs.IsNotFound(err) {
				return err
			}
			if existing != nil {
				if op.ts.Equal(existing.CreatedAt) {
					res.Skipped++
					continue
				}
				if op.ts.Before(existing.CreatedAt) {
					res.Conflicts++
					continue
				}
			}
			if err := s.learnings.UpsertWithID(ctx, tx, op.learning); err != nil {
				return err
			}
			res.Imported++

		case OpDelete:
			deleted, err := s.learnings.Delete(ctx, tx, op.rowID)
			if err != nil {
				return err
			}
			if deleted {
				res.Imported++
			} else {
				res.Skipped++
			}
		}
	}
	return nil
}

func (s *Syncer) applyFileLearningOps(ctx context.Context, tx *sqlx.Tx, ops []parsedOp, res *ImportResult) error {
	for _, op := range ops {
		switch op.tag {
		case OpFileLearningUpsert:
			fl := op.fileLearning
			existing, err := s.fileLearnings.Get(ctx, tx, fl.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if op.ts.Equal(existing.UpdatedAt) {
					res.Skipped++
					continue
				}
				if op.ts.Before(existing.UpdatedAt) {
					res.Conflicts++
					continue
				}
			}
			if fl.LearningID != nil {
				ok, err := s.learnings.Exists(ctx, tx, *fl.LearningID)
				if err != nil {
					return err
				}
				if !ok {
					s.logger.Warn().
						Int64("file_learning_id", fl.ID).
						Int64("learning_id", *fl.LearningID).
						Msg("Dropping link to missing learning")
					cp := *fl
					cp.LearningID = nil
					fl = &cp
				}
			}
			if err := s.fileLearnings.UpsertWithID(ctx, tx, fl); err != nil {
				return err
			}
			res.Imported++

		case OpDelete:
			deleted, err := s.fileLearnings.Delete(ctx, tx, op.rowID)
			if err != nil {
				return err
			}
			if deleted {
				res.Imported++
			} else {
				res.Skipped++
			}
		}
	}
	return nil
}

func (s *Syncer) applyAttemptOps(ctx context.Context, tx *sqlx.Tx, ops []parsedOp, res *ImportResult) error {
	for _, op := range ops {
		switch op.tag {
		case OpAttemptUpsert:
			a := op.attempt
			existing, err := s.attempts.Get(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if op.ts.Equal(existing.CreatedAt) {
					res.Skipped++
					continue
				}
				if op.ts.Before(existing.CreatedAt) {
					res.Conflicts++
					continue
				}
			}
			ok, err := s.tasks.Exists(ctx, tx, a.TaskID)
			if err != nil {
				return err
			}
			if !ok {
				res.Conflicts++
				s.logger.Debug().
					Int64("attempt_id", a.ID).
					Str("task_id", a.TaskID).
					Msg("Attempt references a missing task")
				continue
			}
			if err := s.attempts.UpsertWithID(ctx, tx, a); err != nil {
				return err
			}
			res.Imported++

		case OpDelete:
			deleted, err := s.attempts.Delete(ctx, tx, op.rowID)
			if err != nil {
				return err
			}
			if deleted {
				res.Imported++
			} else {
				res.Skipped++
			}
		}
	}
	return nil
}

// CompactResult reports a log compaction.
type CompactResult struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

// Compact rewrites the kind's log with one line per surviving entity:
// superseded versions collapse to the newest and tombstones drop out.
// Surviving lines keep their original bytes, so fields written by a
// newer build pass through untouched. The stored export hash is
// cleared so the next export rewrites the file.
func (s *Syncer) Compact(ctx context.Context, kind Kind, path string) (*CompactResult, error) {
	if !ValidKind(kind) {
		return nil, errdefs.NewValidation("kind", fmt.Sprintf("unknown sync kind %q", kind))
	}
	if path == "" {
		path = s.Path(kind)
	}
	res := &CompactResult{}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var ops []parsedOp
	for i, raw := range bytes.Split(content, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		res.Before++
		op, err := parseLine(kind, raw)
		if err != nil {
			s.logger.Warn().
				Str("kind", string(kind)).
				Int("line", i+1).
				Err(err).
				Msg("Dropping unparseable line during compaction")
			continue
		}
		ops = append(ops, op)
	}

	var keep []parsedOp
	for _, op := range reduceOps(ops) {
		if op.tag == OpDelete || op.tag == OpDepRemove {
			continue
		}
		keep = append(keep, op)
	}
	sort.Slice(keep, func(i, j int) bool {
		a, b := keep[i], keep[j]
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		if a.tag != b.tag {
			return a.tag < b.tag
		}
		return a.key < b.key
	})
	res.After = len(keep)

	var buf bytes.Buffer
	for _, op := range keep {
		buf.Write(op.raw)
		buf.WriteByte('\n')
	}

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return nil, err
	}
	if err := s.stateSet(ctx, "last_export_hash", kind, ""); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("kind", string(kind)).
		Int("before", res.Before).
		Int("after", res.After).
		Msg("Compacted sync log")
	return res, nil
}
