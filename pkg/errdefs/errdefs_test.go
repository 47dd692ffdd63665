package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidation("title", "must not be empty"), KindValidation},
		{"invalid date", &InvalidDateError{Field: "checkAt", Value: "yesterday"}, KindValidation},
		{"task not found", &TaskNotFoundError{ID: "tx-abc12345"}, KindNotFound},
		{"run not found", &RunNotFoundError{ID: "run-deadbeef"}, KindNotFound},
		{"learning not found", &LearningNotFoundError{ID: 7}, KindNotFound},
		{"anchor not found", &AnchorNotFoundError{ID: 9}, KindNotFound},
		{"invalid transition", &InvalidTransitionError{Entity: "task", ID: "tx-a", From: "done", To: "active"}, KindConflict},
		{"circular dependency", &CircularDependencyError{BlockerID: "tx-a", BlockedID: "tx-b"}, KindConflict},
		{"already claimed", &AlreadyClaimedError{TaskID: "tx-a", ClaimedBy: "w1"}, KindConflict},
		{"claim not owned", &ClaimNotOwnedError{TaskID: "tx-a", WorkerID: "w2"}, KindConflict},
		{"database", &DatabaseError{Op: "tasks.insert", Err: errors.New("disk full")}, KindDatabase},
		{"llm unavailable", &LlmUnavailableError{Reason: "no backend configured"}, KindUnavailable},
		{"embedding unavailable", &EmbeddingUnavailableError{}, KindUnavailable},
		{"corruption", &CorruptionError{Entity: "task", ID: "tx-a", Detail: "orphan dependency"}, KindCorruption},
		{"plain error unclassified", errors.New("boom"), Kind("")},
		{"nil unclassified", nil, Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := &AlreadyClaimedError{TaskID: "tx-abc12345", ClaimedBy: "worker-1"}
	wrapped := fmt.Errorf("claim task: %w", inner)

	assert.True(t, IsConflict(wrapped))
	assert.Equal(t, KindConflict, KindOf(wrapped))

	var ac *AlreadyClaimedError
	require.True(t, errors.As(wrapped, &ac))
	assert.Equal(t, "worker-1", ac.ClaimedBy)
}

func TestDatabaseErrorUnwrap(t *testing.T) {
	cause := errors.New("database is locked")
	err := &DatabaseError{Op: "claims.insert", CorrelationID: "01J0", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "claims.insert")
	assert.Contains(t, err.Error(), "01J0")
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "task not found: tx-abc12345", (&TaskNotFoundError{ID: "tx-abc12345"}).Error())
	assert.Equal(t, "validation failed on title: must not be empty", NewValidation("title", "must not be empty").Error())
	assert.Equal(t, "validation failed: bad input", NewValidation("", "bad input").Error())
	assert.Equal(t, "llm unavailable", (&LlmUnavailableError{}).Error())
	assert.Equal(t, "dependency tx-a -> tx-b would create a cycle",
		(&CircularDependencyError{BlockerID: "tx-a", BlockedID: "tx-b"}).Error())
}
