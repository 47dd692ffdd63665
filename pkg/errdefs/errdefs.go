// Package errdefs defines the tagged error variants returned by tx
// services. Errors are values carrying structured context; adapters map
// the Kind to a surface code instead of parsing messages.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for surface mapping
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindDatabase    Kind = "database"
	KindUnavailable Kind = "unavailable"
	KindCorruption  Kind = "corruption"
)

// Kinder is implemented by every error in this package
type Kinder interface {
	error
	Kind() Kind
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report an empty Kind.
func KindOf(err error) Kind {
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool    { return KindOf(err) == KindConflict }
func IsDatabase(err error) bool    { return KindOf(err) == KindDatabase }
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }
func IsCorruption(err error) bool  { return KindOf(err) == KindCorruption }

// ValidationError reports caller-supplied data that failed a rule
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Kind() Kind { return KindValidation }

// NewValidation builds a ValidationError for a field
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidDateError reports a timestamp string that is not valid ISO-8601
type InvalidDateError struct {
	Field string
	Value string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid date in %s: %q", e.Field, e.Value)
}
func (e *InvalidDateError) Kind() Kind { return KindValidation }

// TaskNotFoundError reports a missing task
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string { return "task not found: " + e.ID }
func (e *TaskNotFoundError) Kind() Kind    { return KindNotFound }

// RunNotFoundError reports a missing run
type RunNotFoundError struct {
	ID string
}

func (e *RunNotFoundError) Error() string { return "run not found: " + e.ID }
func (e *RunNotFoundError) Kind() Kind    { return KindNotFound }

// WorkerNotFoundError reports a missing worker
type WorkerNotFoundError struct {
	ID string
}

func (e *WorkerNotFoundError) Error() string { return "worker not found: " + e.ID }
func (e *WorkerNotFoundError) Kind() Kind    { return KindNotFound }

// LearningNotFoundError reports a missing learning
type LearningNotFoundError struct {
	ID int64
}

func (e *LearningNotFoundError) Error() string { return fmt.Sprintf("learning not found: %d", e.ID) }
func (e *LearningNotFoundError) Kind() Kind    { return KindNotFound }

// AnchorNotFoundError reports a missing anchor
type AnchorNotFoundError struct {
	ID int64
}

func (e *AnchorNotFoundError) Error() string { return fmt.Sprintf("anchor not found: %d", e.ID) }
func (e *AnchorNotFoundError) Kind() Kind    { return KindNotFound }

// EdgeNotFoundError reports a missing edge
type EdgeNotFoundError struct {
	ID int64
}

func (e *EdgeNotFoundError) Error() string { return fmt.Sprintf("edge not found: %d", e.ID) }
func (e *EdgeNotFoundError) Kind() Kind    { return KindNotFound }

// InvalidTransitionError reports an illegal status change
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}
func (e *InvalidTransitionError) Kind() Kind { return KindConflict }

// CircularDependencyError reports a blocker edge that would close a cycle
type CircularDependencyError struct {
	BlockerID string
	BlockedID string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.BlockerID, e.BlockedID)
}
func (e *CircularDependencyError) Kind() Kind { return KindConflict }

// AlreadyClaimedError reports a claim attempt that lost to an existing
// active claim. ClaimedBy carries the winning worker id.
type AlreadyClaimedError struct {
	TaskID         string
	ClaimedBy      string
	LeaseExpiresAt time.Time
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed by worker %s", e.TaskID, e.ClaimedBy)
}
func (e *AlreadyClaimedError) Kind() Kind { return KindConflict }

// ClaimNotOwnedError reports a renew or release by a worker that does not
// hold the claim
type ClaimNotOwnedError struct {
	ClaimID  int64
	TaskID   string
	WorkerID string
}

func (e *ClaimNotOwnedError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("worker %s does not hold a claim on task %s", e.WorkerID, e.TaskID)
	}
	return fmt.Sprintf("worker %s does not hold claim %d", e.WorkerID, e.ClaimID)
}
func (e *ClaimNotOwnedError) Kind() Kind { return KindConflict }

// DatabaseError wraps a storage failure with the operation name and a
// correlation id for log lookup
type DatabaseError struct {
	Op            string
	CorrelationID string
	Err           error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error in %s [%s]: %v", e.Op, e.CorrelationID, e.Err)
}
func (e *DatabaseError) Kind() Kind    { return KindDatabase }
func (e *DatabaseError) Unwrap() error { return e.Err }

// CorruptionError reports on-disk data that violates an invariant
type CorruptionError struct {
	Entity string
	ID     string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt %s %s: %s", e.Entity, e.ID, e.Detail)
}
func (e *CorruptionError) Kind() Kind { return KindCorruption }

// LlmUnavailableError reports that no language model backend is usable
type LlmUnavailableError struct {
	Reason string
	Err    error
}

func (e *LlmUnavailableError) Error() string {
	if e.Reason == "" {
		return "llm unavailable"
	}
	return "llm unavailable: " + e.Reason
}
func (e *LlmUnavailableError) Kind() Kind    { return KindUnavailable }
func (e *LlmUnavailableError) Unwrap() error { return e.Err }

// ExtractionUnavailableError reports that learning extraction cannot run
type ExtractionUnavailableError struct {
	Reason string
	Err    error
}

func (e *ExtractionUnavailableError) Error() string {
	if e.Reason == "" {
		return "extraction unavailable"
	}
	return "extraction unavailable: " + e.Reason
}
func (e *ExtractionUnavailableError) Kind() Kind    { return KindUnavailable }
func (e *ExtractionUnavailableError) Unwrap() error { return e.Err }

// EmbeddingUnavailableError reports that no embedding backend is usable
type EmbeddingUnavailableError struct {
	Reason string
	Err    error
}

func (e *EmbeddingUnavailableError) Error() string {
	if e.Reason == "" {
		return "embeddings unavailable"
	}
	return "embeddings unavailable: " + e.Reason
}
func (e *EmbeddingUnavailableError) Kind() Kind    { return KindUnavailable }
func (e *EmbeddingUnavailableError) Unwrap() error { return e.Err }
