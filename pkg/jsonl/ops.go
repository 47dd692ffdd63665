// Package jsonl replicates the database through line-oriented JSON logs
// so a repo checkout can carry its task graph and learnings alongside
// the code. Each log holds one op per line. Export rewrites a log from
// the database in a deterministic order; import folds a log back in
// with last-writer-wins per entity, so concurrent edits from different
// machines converge to the same state regardless of merge order.
package jsonl

import (
	"fmt"
	"time"

	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/types"
)

// OpVersion is the line format version this build reads and writes.
const OpVersion = 1

// Op tags. Task logs use the first four; the other logs pair their
// kind-specific upsert tag with the shared delete tag.
const (
	OpUpsert             = "upsert"
	OpDelete             = "delete"
	OpDepAdd             = "dep_add"
	OpDepRemove          = "dep_remove"
	OpLearningUpsert     = "learning_upsert"
	OpFileLearningUpsert = "file_learning_upsert"
	OpAttemptUpsert      = "attempt_upsert"
)

// Kind names one replication log.
type Kind string

const (
	KindTasks         Kind = "tasks"
	KindLearnings     Kind = "learnings"
	KindFileLearnings Kind = "file_learnings"
	KindAttempts      Kind = "attempts"
)

// Kinds lists every log in apply order: rows that other logs reference
// come first.
var Kinds = []Kind{KindTasks, KindLearnings, KindFileLearnings, KindAttempts}

// ValidKind reports whether k names a known log.
func ValidKind(k Kind) bool {
	switch k {
	case KindTasks, KindLearnings, KindFileLearnings, KindAttempts:
		return true
	}
	return false
}

// FileName returns the conventional basename of the kind's log file.
func (k Kind) FileName() string {
	if k == KindFileLearnings {
		return "file-learnings.jsonl"
	}
	return string(k) + ".jsonl"
}

// KindForFile maps a log basename back to its kind.
func KindForFile(name string) (Kind, bool) {
	for _, k := range Kinds {
		if k.FileName() == name {
			return k, true
		}
	}
	return "", false
}

// line is the wire shape shared by every log. Field order is fixed so
// exporting unchanged data produces byte-identical files.
type line struct {
	V         int    `json:"v"`
	Op        string `json:"op"`
	TS        string `json:"ts"`
	ID        any    `json:"id,omitempty"`
	Data      any    `json:"data,omitempty"`
	BlockerID string `json:"blockerId,omitempty"`
	BlockedID string `json:"blockedId,omitempty"`
}

// TaskData is the replicated slice of a task row.
type TaskData struct {
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	Status       types.TaskStatus    `json:"status"`
	ParentID     *string             `json:"parentId,omitempty"`
	Score        int                 `json:"score"`
	AssigneeType *types.AssigneeKind `json:"assigneeType,omitempty"`
	AssigneeID   *string             `json:"assigneeId,omitempty"`
	AssignedAt   *string             `json:"assignedAt,omitempty"`
	AssignedBy   *string             `json:"assignedBy,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	CreatedAt    string              `json:"createdAt"`
	UpdatedAt    string              `json:"updatedAt"`
	CompletedAt  *string             `json:"completedAt,omitempty"`
}

func taskData(t *types.Task) *TaskData {
	return &TaskData{
		Title:        t.Title,
		Description:  t.Description,
		Status:       t.Status,
		ParentID:     t.ParentID,
		Score:        t.Score,
		AssigneeType: t.AssigneeType,
		AssigneeID:   t.AssigneeID,
		AssignedAt:   formatTimePtr(t.AssignedAt),
		AssignedBy:   t.AssignedBy,
		Metadata:     t.Metadata,
		CreatedAt:    storage.FormatTime(t.CreatedAt),
		UpdatedAt:    storage.FormatTime(t.UpdatedAt),
		CompletedAt:  formatTimePtr(t.CompletedAt),
	}
}

func (d *TaskData) toTask(id string) (*types.Task, error) {
	if !types.ValidTaskStatus(d.Status) {
		return nil, fmt.Errorf("unknown task status %q", d.Status)
	}
	if d.AssigneeType != nil && !types.ValidAssigneeKind(*d.AssigneeType) {
		return nil, fmt.Errorf("unknown assignee type %q", *d.AssigneeType)
	}
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	updatedAt, err := storage.ParseTime(d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updatedAt: %w", err)
	}
	assignedAt, err := parseTimePtr(d.AssignedAt)
	if err != nil {
		return nil, fmt.Errorf("assignedAt: %w", err)
	}
	completedAt, err := parseTimePtr(d.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("completedAt: %w", err)
	}
	return &types.Task{
		ID:           id,
		Title:        d.Title,
		Description:  d.Description,
		Status:       d.Status,
		ParentID:     d.ParentID,
		Score:        d.Score,
		AssigneeType: d.AssigneeType,
		AssigneeID:   d.AssigneeID,
		AssignedAt:   assignedAt,
		AssignedBy:   d.AssignedBy,
		Metadata:     d.Metadata,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		CompletedAt:  completedAt,
	}, nil
}

// LearningData is the replicated slice of a learning row. Embeddings
// are machine-local and deliberately absent; re-imported learnings keep
// whatever embedding the local database already holds.
type LearningData struct {
	Content      string               `json:"content"`
	SourceType   types.LearningSource `json:"sourceType"`
	SourceRef    *string              `json:"sourceRef,omitempty"`
	Keywords     []string             `json:"keywords"`
	Category     string               `json:"category,omitempty"`
	UsageCount   int                  `json:"usageCount"`
	LastUsedAt   *string              `json:"lastUsedAt,omitempty"`
	OutcomeScore float64              `json:"outcomeScore"`
	RunID        *string              `json:"runId,omitempty"`
	CreatedAt    string               `json:"createdAt"`
}

func learningData(l *types.Learning) *LearningData {
	keywords := l.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return &LearningData{
		Content:      l.Content,
		SourceType:   l.SourceType,
		SourceRef:    l.SourceRef,
		Keywords:     keywords,
		Category:     l.Category,
		UsageCount:   l.UsageCount,
		LastUsedAt:   formatTimePtr(l.LastUsedAt),
		OutcomeScore: l.OutcomeScore,
		RunID:        l.RunID,
		CreatedAt:    storage.FormatTime(l.CreatedAt),
	}
}

func (d *LearningData) toLearning(id int64) (*types.Learning, error) {
	if !types.ValidLearningSource(d.SourceType) {
		return nil, fmt.Errorf("unknown learning source %q", d.SourceType)
	}
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	lastUsedAt, err := parseTimePtr(d.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("lastUsedAt: %w", err)
	}
	keywords := d.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return &types.Learning{
		ID:           id,
		Content:      d.Content,
		SourceType:   d.SourceType,
		SourceRef:    d.SourceRef,
		Keywords:     keywords,
		Category:     d.Category,
		UsageCount:   d.UsageCount,
		LastUsedAt:   lastUsedAt,
		OutcomeScore: d.OutcomeScore,
		RunID:        d.RunID,
		CreatedAt:    createdAt,
	}, nil
}

// FileLearningData is the replicated slice of a file learning row.
type FileLearningData struct {
	FilePath   string  `json:"filePath"`
	LearningID *int64  `json:"learningId,omitempty"`
	Note       string  `json:"note"`
	Relevance  float64 `json:"relevance"`
	CreatedAt  string  `json:"createdAt"`
	UpdatedAt  string  `json:"updatedAt"`
}

func fileLearningData(fl *types.FileLearning) *FileLearningData {
	return &FileLearningData{
		FilePath:   fl.FilePath,
		LearningID: fl.LearningID,
		Note:       fl.Note,
		Relevance:  fl.Relevance,
		CreatedAt:  storage.FormatTime(fl.CreatedAt),
		UpdatedAt:  storage.FormatTime(fl.UpdatedAt),
	}
}

func (d *FileLearningData) toFileLearning(id int64) (*types.FileLearning, error) {
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	updatedAt, err := storage.ParseTime(d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updatedAt: %w", err)
	}
	return &types.FileLearning{
		ID:         id,
		FilePath:   d.FilePath,
		LearningID: d.LearningID,
		Note:       d.Note,
		Relevance:  d.Relevance,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

// AttemptData is the replicated slice of an attempt row.
type AttemptData struct {
	TaskID    string  `json:"taskId"`
	RunID     *string `json:"runId,omitempty"`
	WorkerID  *string `json:"workerId,omitempty"`
	Outcome   string  `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

func attemptData(a *types.Attempt) *AttemptData {
	return &AttemptData{
		TaskID:    a.TaskID,
		RunID:     a.RunID,
		WorkerID:  a.WorkerID,
		Outcome:   a.Outcome,
		Detail:    a.Detail,
		CreatedAt: storage.FormatTime(a.CreatedAt),
	}
}

func (d *AttemptData) toAttempt(id int64) (*types.Attempt, error) {
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	return &types.Attempt{
		ID:        id,
		TaskID:    d.TaskID,
		RunID:     d.RunID,
		WorkerID:  d.WorkerID,
		Outcome:   d.Outcome,
		Detail:    d.Detail,
		CreatedAt: createdAt,
	}, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := storage.FormatTime(*t)
	return &s
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := storage.ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
