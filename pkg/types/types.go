package types

import (
	"time"
)

// TaskStatus represents the workflow state of a task
type TaskStatus string

const (
	TaskStatusBacklog          TaskStatus = "backlog"
	TaskStatusReady            TaskStatus = "ready"
	TaskStatusPlanning         TaskStatus = "planning"
	TaskStatusActive           TaskStatus = "active"
	TaskStatusBlocked          TaskStatus = "blocked"
	TaskStatusReview           TaskStatus = "review"
	TaskStatusHumanNeedsReview TaskStatus = "human_needs_to_review"
	TaskStatusDone             TaskStatus = "done"
)

// TaskStatuses lists every valid task status in workflow order
var TaskStatuses = []TaskStatus{
	TaskStatusBacklog,
	TaskStatusReady,
	TaskStatusPlanning,
	TaskStatusActive,
	TaskStatusBlocked,
	TaskStatusReview,
	TaskStatusHumanNeedsReview,
	TaskStatusDone,
}

// ValidTransitions is the status transition table. A patch that keeps the
// status unchanged is always allowed and does not consult this table.
// done is terminal; the done -> backlog/ready entries are the explicit
// revive path.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusBacklog:          {TaskStatusReady, TaskStatusPlanning, TaskStatusBlocked},
	TaskStatusReady:            {TaskStatusBacklog, TaskStatusPlanning, TaskStatusActive, TaskStatusBlocked},
	TaskStatusPlanning:         {TaskStatusBacklog, TaskStatusReady, TaskStatusActive, TaskStatusBlocked},
	TaskStatusActive:           {TaskStatusReady, TaskStatusBlocked, TaskStatusReview, TaskStatusHumanNeedsReview, TaskStatusDone},
	TaskStatusBlocked:          {TaskStatusBacklog, TaskStatusReady, TaskStatusPlanning, TaskStatusActive},
	TaskStatusReview:           {TaskStatusReady, TaskStatusActive, TaskStatusHumanNeedsReview, TaskStatusDone},
	TaskStatusHumanNeedsReview: {TaskStatusReady, TaskStatusActive, TaskStatusDone},
	TaskStatusDone:             {TaskStatusBacklog, TaskStatusReady},
}

// ValidTaskStatus reports whether s is a known task status
func ValidTaskStatus(s TaskStatus) bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the from -> to status change is legal.
// A no-op transition (from == to) is always legal.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// AssigneeKind distinguishes human from agent assignees
type AssigneeKind string

const (
	AssigneeHuman AssigneeKind = "human"
	AssigneeAgent AssigneeKind = "agent"
)

// ValidAssigneeKind reports whether k is a known assignee kind
func ValidAssigneeKind(k AssigneeKind) bool {
	return k == AssigneeHuman || k == AssigneeAgent
}

// Task is a unit of work tracked by the engine
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       TaskStatus     `json:"status"`
	ParentID     *string        `json:"parentId"`
	Score        int            `json:"score"`
	AssigneeType *AssigneeKind  `json:"assigneeType"`
	AssigneeID   *string        `json:"assigneeId"`
	AssignedAt   *time.Time     `json:"assignedAt"`
	AssignedBy   *string        `json:"assignedBy"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt"`
}

// TaskWithDeps is the canonical task response shape. Every surface that
// returns a task returns this, never a bare Task.
//
// BlockedBy holds only blockers whose status is not done; Blocks and
// Children are unfiltered. IsReady is true when the status permits
// execution and BlockedBy is empty. The arrays are always non-nil so the
// shape serializes as [] rather than null.
type TaskWithDeps struct {
	Task
	BlockedBy []*Task `json:"blockedBy"`
	Blocks    []*Task `json:"blocks"`
	Children  []*Task `json:"children"`
	IsReady   bool    `json:"isReady"`
}

// TaskTree is a subtree view assembled by the hierarchy service
type TaskTree struct {
	Task     *Task       `json:"task"`
	Depth    int         `json:"depth"`
	Children []*TaskTree `json:"children"`
}

// Dependency records that blocker must reach done before blocked can run
type Dependency struct {
	BlockerID string    `json:"blockerId"`
	BlockedID string    `json:"blockedId"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerStatus represents the lifecycle state of a registered worker
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusStopping WorkerStatus = "stopping"
	WorkerStatusDead     WorkerStatus = "dead"
)

// ValidWorkerStatus reports whether s is a known worker status
func ValidWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerStatusStarting, WorkerStatusIdle, WorkerStatusBusy, WorkerStatusStopping, WorkerStatusDead:
		return true
	}
	return false
}

// Worker is a registered task executor
type Worker struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Hostname        string         `json:"hostname"`
	PID             *int           `json:"pid"`
	Status          WorkerStatus   `json:"status"`
	CurrentTaskID   *string        `json:"currentTaskId"`
	Capabilities    []string       `json:"capabilities"`
	Metadata        map[string]any `json:"metadata"`
	RegisteredAt    time.Time      `json:"registeredAt"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
}

// ClaimStatus represents the state of a claim
type ClaimStatus string

const (
	ClaimStatusActive   ClaimStatus = "active"
	ClaimStatusReleased ClaimStatus = "released"
	ClaimStatusExpired  ClaimStatus = "expired"
)

// Claim is a time-bounded exclusive association between a worker and a
// task. At most one claim per task is active at any instant.
type Claim struct {
	ID             int64       `json:"id"`
	TaskID         string      `json:"taskId"`
	WorkerID       string      `json:"workerId"`
	Status         ClaimStatus `json:"status"`
	ClaimedAt      time.Time   `json:"claimedAt"`
	LeaseExpiresAt time.Time   `json:"leaseExpiresAt"`
	RenewedCount   int         `json:"renewedCount"`
}

// RunStatus represents the state of an agent run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunEnded reports whether s is a terminal run status
func RunEnded(s RunStatus) bool {
	return s != RunStatusRunning
}

// Run is one process-level execution of an agent, usually against a task
type Run struct {
	ID             string         `json:"id"`
	TaskID         *string        `json:"taskId"`
	Agent          string         `json:"agent"`
	Status         RunStatus      `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt"`
	ExitCode       *int           `json:"exitCode"`
	PID            *int           `json:"pid"`
	TranscriptPath *string        `json:"transcriptPath"`
	StdoutPath     *string        `json:"stdoutPath"`
	StderrPath     *string        `json:"stderrPath"`
	ContextPath    *string        `json:"contextPath"`
	Summary        string         `json:"summary"`
	Error          string         `json:"error"`
	Metadata       map[string]any `json:"metadata"`
}

// LogCaptureState describes what happened to one captured output stream
type LogCaptureState string

const (
	LogCaptureCaptured    LogCaptureState = "captured"
	LogCaptureNotReported LogCaptureState = "not_reported"
	LogCaptureUnreadable  LogCaptureState = "unreadable"
)

// LogCaptureStream records the capture outcome for a single stream
type LogCaptureStream struct {
	Path   string          `json:"path,omitempty"`
	State  LogCaptureState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// LogCapture is the metadata.logCapture contract surfaced by run detail
type LogCapture struct {
	Stdout *LogCaptureStream `json:"stdout,omitempty"`
	Stderr *LogCaptureStream `json:"stderr,omitempty"`
}

// RunHeartbeat is the per-run progress state maintained by heartbeat
// ingestion. It is the sole source of truth for staleness classification.
type RunHeartbeat struct {
	RunID           string     `json:"runId"`
	LastCheckAt     time.Time  `json:"lastCheckAt"`
	LastActivityAt  *time.Time `json:"lastActivityAt"`
	StdoutBytes     int64      `json:"stdoutBytes"`
	StderrBytes     int64      `json:"stderrBytes"`
	TranscriptBytes int64      `json:"transcriptBytes"`
	LastDeltaBytes  int64      `json:"lastDeltaBytes"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// LearningSource identifies where a learning came from
type LearningSource string

const (
	LearningSourceCompaction LearningSource = "compaction"
	LearningSourceRun        LearningSource = "run"
	LearningSourceManual     LearningSource = "manual"
	LearningSourceClaudeMD   LearningSource = "claude_md"
)

// ValidLearningSource reports whether s is a known learning source type
func ValidLearningSource(s LearningSource) bool {
	switch s {
	case LearningSourceCompaction, LearningSourceRun, LearningSourceManual, LearningSourceClaudeMD:
		return true
	}
	return false
}

// Learning is an append-only extracted insight, indexed for full-text
// search and linkable to code via anchors and edges
type Learning struct {
	ID           int64          `json:"id"`
	Content      string         `json:"content"`
	SourceType   LearningSource `json:"sourceType"`
	SourceRef    *string        `json:"sourceRef"`
	Keywords     []string       `json:"keywords"`
	Category     string         `json:"category"`
	UsageCount   int            `json:"usageCount"`
	LastUsedAt   *time.Time     `json:"lastUsedAt"`
	OutcomeScore float64        `json:"outcomeScore"`
	Embedding    []byte         `json:"-"`
	RunID        *string        `json:"runId"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// AnchorKind selects how an anchor binds a learning to a file location
type AnchorKind string

const (
	AnchorKindGlob      AnchorKind = "glob"
	AnchorKindHash      AnchorKind = "hash"
	AnchorKindSymbol    AnchorKind = "symbol"
	AnchorKindLineRange AnchorKind = "line_range"
)

// ValidAnchorKind reports whether k is a known anchor kind
func ValidAnchorKind(k AnchorKind) bool {
	switch k {
	case AnchorKindGlob, AnchorKindHash, AnchorKindSymbol, AnchorKindLineRange:
		return true
	}
	return false
}

// AnchorStatus is the verification state of an anchor
type AnchorStatus string

const (
	AnchorStatusValid   AnchorStatus = "valid"
	AnchorStatusDrifted AnchorStatus = "drifted"
	AnchorStatusInvalid AnchorStatus = "invalid"
)

// ValidAnchorStatus reports whether s is a known anchor status
func ValidAnchorStatus(s AnchorStatus) bool {
	switch s {
	case AnchorStatusValid, AnchorStatusDrifted, AnchorStatusInvalid:
		return true
	}
	return false
}

// Anchor binds a learning to a file location. The Value field carries the
// glob pattern, content hash, symbol name, or "start-end" range depending
// on Kind; the kind-specific columns mirror it in queryable form.
type Anchor struct {
	ID           int64        `json:"id"`
	LearningID   int64        `json:"learningId"`
	Kind         AnchorKind   `json:"kind"`
	FilePath     string       `json:"filePath"`
	Value        string       `json:"value"`
	ContentHash  *string      `json:"contentHash"`
	SymbolFqname *string      `json:"symbolFqname"`
	LineStart    *int         `json:"lineStart"`
	LineEnd      *int         `json:"lineEnd"`
	Status       AnchorStatus `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	VerifiedAt   *time.Time   `json:"verifiedAt"`
}

// NodeKind identifies the entity class an edge endpoint refers to
type NodeKind string

const (
	NodeLearning NodeKind = "learning"
	NodeFile     NodeKind = "file"
	NodeRun      NodeKind = "run"
	NodeTask     NodeKind = "task"
)

// ValidNodeKind reports whether k is a known node kind
func ValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeLearning, NodeFile, NodeRun, NodeTask:
		return true
	}
	return false
}

// EdgeType is a typed relationship label between graph nodes
type EdgeType string

const (
	EdgeAnchoredTo    EdgeType = "ANCHORED_TO"
	EdgeDerivedFrom   EdgeType = "DERIVED_FROM"
	EdgeSimilarTo     EdgeType = "SIMILAR_TO"
	EdgeLinksTo       EdgeType = "LINKS_TO"
	EdgeImports       EdgeType = "IMPORTS"
	EdgeCoChangesWith EdgeType = "CO_CHANGES_WITH"
	EdgeUsedInRun     EdgeType = "USED_IN_RUN"
)

// BaseEdgeTypes is the built-in edge vocabulary. Deployments may extend
// it through configuration; the edge service validates against the union.
var BaseEdgeTypes = []EdgeType{
	EdgeAnchoredTo,
	EdgeDerivedFrom,
	EdgeSimilarTo,
	EdgeLinksTo,
	EdgeImports,
	EdgeCoChangesWith,
	EdgeUsedInRun,
}

// Edge is a directed weighted typed relationship between two nodes.
// Invalidated edges are soft-deleted and filtered from queries.
type Edge struct {
	ID         int64          `json:"id"`
	SourceKind NodeKind       `json:"sourceKind"`
	SourceID   string         `json:"sourceId"`
	TargetKind NodeKind       `json:"targetKind"`
	TargetID   string         `json:"targetId"`
	Type       EdgeType       `json:"type"`
	Weight     float64        `json:"weight"`
	Metadata   map[string]any `json:"metadata"`
	Valid      bool           `json:"valid"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Attempt is an append-only record of one try at a task
type Attempt struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	RunID     *string   `json:"runId"`
	WorkerID  *string   `json:"workerId"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileLearning attaches a note, optionally backed by a learning, to a file
type FileLearning struct {
	ID         int64     `json:"id"`
	FilePath   string    `json:"filePath"`
	LearningID *int64    `json:"learningId"`
	Note       string    `json:"note"`
	Relevance  float64   `json:"relevance"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EventType labels an event log row
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
	EventRunCancelled     EventType = "run_cancelled"
	EventTaskCreated      EventType = "task_created"
	EventTaskUpdated      EventType = "task_updated"
	EventTaskCompleted    EventType = "task_completed"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventError            EventType = "error"
	EventLearningCaptured EventType = "learning_captured"
	EventMetric           EventType = "metric"
)

// EventTypes lists the closed event vocabulary
var EventTypes = []EventType{
	EventRunStarted,
	EventRunCompleted,
	EventRunFailed,
	EventRunCancelled,
	EventTaskCreated,
	EventTaskUpdated,
	EventTaskCompleted,
	EventToolCall,
	EventToolResult,
	EventError,
	EventLearningCaptured,
	EventMetric,
}

// ValidEventType reports whether t is in the event vocabulary
func ValidEventType(t EventType) bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Event is one append-only activity log row
type Event struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"type"`
	RunID      *string        `json:"runId"`
	TaskID     *string        `json:"taskId"`
	Agent      *string        `json:"agent"`
	ToolName   *string        `json:"toolName"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	DurationMs *int64         `json:"durationMs"`
}
