package jsonl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/repo"
	"github.com/jamesaphoenix/tx/pkg/storage"
)

// Syncer moves rows between the database and the JSONL logs under its
// sync directory. Exports are deterministic rewrites, imports fold a
// log back in with last-writer-wins, so the logs merge like source.
type Syncer struct {
	db     *storage.DB
	dir    string
	logger zerolog.Logger

	tasks         repo.TaskRepo
	deps          repo.DepRepo
	learnings     repo.LearningRepo
	fileLearnings repo.FileLearningRepo
	attempts      repo.AttemptRepo
	state         repo.SyncStateRepo
}

// NewSyncer returns a Syncer keeping its logs under dir. An empty dir
// defaults to ".tx".
func NewSyncer(db *storage.DB, dir string) *Syncer {
	if dir == "" {
		dir = ".tx"
	}
	return &Syncer{db: db, dir: dir, logger: log.WithComponent("jsonl")}
}

// Dir returns the sync directory.
func (s *Syncer) Dir() string { return s.dir }

// Path returns the log file path for the kind.
func (s *Syncer) Path(kind Kind) string {
	return filepath.Join(s.dir, kind.FileName())
}

// KindStatus compares one log file against the database.
type KindStatus struct {
	Kind       Kind       `json:"kind"`
	DBOps      int        `json:"dbOps"`
	FileOps    int        `json:"fileOps"`
	Dirty      bool       `json:"dirty"`
	LastExport *time.Time `json:"lastExport,omitempty"`
	LastImport *time.Time `json:"lastImport,omitempty"`
}

// Status reports whether the database holds op changes the kind's log
// file has not seen. Dirty means an export would write something new.
func (s *Syncer) Status(ctx context.Context, kind Kind) (*KindStatus, error) {
	if !ValidKind(kind) {
		return nil, errdefs.NewValidation("kind", fmt.Sprintf("unknown sync kind %q", kind))
	}
	ops, err := s.exportOps(ctx, kind)
	if err != nil {
		return nil, err
	}
	st := &KindStatus{Kind: kind, DBOps: len(ops)}

	content, err := os.ReadFile(s.Path(kind))
	switch {
	case err == nil:
		st.FileOps = len(splitLines(content))
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", s.Path(kind), err)
	}

	st.LastExport, err = s.stateTime(ctx, "last_export", kind)
	if err != nil {
		return nil, err
	}
	st.LastImport, err = s.stateTime(ctx, "last_import", kind)
	if err != nil {
		return nil, err
	}

	if st.LastExport == nil {
		st.Dirty = len(ops) > 0
		return st, nil
	}
	for _, op := range ops {
		if op.ts.After(*st.LastExport) {
			st.Dirty = true
			break
		}
	}
	return st, nil
}

// StatusAll reports every log in canonical order.
func (s *Syncer) StatusAll(ctx context.Context) ([]*KindStatus, error) {
	out := make([]*KindStatus, 0, len(Kinds))
	for _, kind := range Kinds {
		st, err := s.Status(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ExportAll exports every log to its default path, referenced entities
// first.
func (s *Syncer) ExportAll(ctx context.Context) (map[Kind]*ExportResult, error) {
	out := make(map[Kind]*ExportResult, len(Kinds))
	for _, kind := range Kinds {
		res, err := s.Export(ctx, kind, "")
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", kind, err)
		}
		out[kind] = res
	}
	return out, nil
}

// ImportAll imports every log from its default path, referenced
// entities first so foreign keys resolve.
func (s *Syncer) ImportAll(ctx context.Context) (map[Kind]*ImportResult, error) {
	out := make(map[Kind]*ImportResult, len(Kinds))
	for _, kind := range Kinds {
		res, err := s.Import(ctx, kind, "")
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", kind, err)
		}
		out[kind] = res
	}
	return out, nil
}

// AutoSync reports whether automatic import on file change is enabled.
func (s *Syncer) AutoSync(ctx context.Context) (bool, error) {
	v, _, err := s.state.Get(ctx, s.db, "auto_sync")
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetAutoSync toggles automatic import on file change.
func (s *Syncer) SetAutoSync(ctx context.Context, on bool) error {
	v := "false"
	if on {
		v = "true"
	}
	return s.state.Set(ctx, s.db, "auto_sync", v)
}

func (s *Syncer) stateGet(ctx context.Context, prefix string, kind Kind) (string, bool, error) {
	return s.state.Get(ctx, s.db, prefix+":"+string(kind))
}

func (s *Syncer) stateSet(ctx context.Context, prefix string, kind Kind, value string) error {
	return s.state.Set(ctx, s.db, prefix+":"+string(kind), value)
}

func (s *Syncer) stateTime(ctx context.Context, prefix string, kind Kind) (*time.Time, error) {
	v, ok, err := s.stateGet(ctx, prefix, kind)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	t, err := storage.ParseTime(v)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}
