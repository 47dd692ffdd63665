// Package ids mints the identifiers used across tx: task ids, run ids
// and ULID correlation ids.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	taskPrefix = "tx-"
	runPrefix  = "run-"
	shortLen   = 8
)

// taskAlphabet is lowercase alphanumerics only; ids stay shell- and
// URL-safe and case folding cannot alias two ids.
const taskAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	taskIDPattern = regexp.MustCompile(`^tx-[a-z0-9]{8}$`)
	runIDPattern  = regexp.MustCompile(`^run-[0-9a-f]{8}$`)
)

// NewTaskID returns a fresh "tx-" id from a cryptographically strong
// source.
func NewTaskID() string {
	buf := make([]byte, shortLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is gone;
		// there is no useful recovery.
		panic(fmt.Sprintf("ids: read random: %v", err))
	}
	out := make([]byte, shortLen)
	for i, b := range buf {
		out[i] = taskAlphabet[int(b)%len(taskAlphabet)]
	}
	return taskPrefix + string(out)
}

// DeterministicTaskID derives a stable task id from a seed string by
// hashing it with SHA-256 and keeping the first 8 hex chars. Intended for
// tests and reproducible fixtures.
func DeterministicTaskID(seed string) string {
	return taskPrefix + shortHash(seed)
}

// NewRunID returns a fresh "run-" id with 8 hex chars.
func NewRunID() string {
	return runPrefix + uuid.NewString()[:shortLen]
}

// DeterministicRunID derives a stable run id from a seed string.
func DeterministicRunID(seed string) string {
	return runPrefix + shortHash(seed)
}

// NewCorrelationID returns a ULID for tying log lines and database errors
// to a single operation.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// ValidTaskID reports whether s has the task id shape.
func ValidTaskID(s string) bool {
	return taskIDPattern.MatchString(s)
}

// ValidRunID reports whether s has the run id shape.
func ValidRunID(s string) bool {
	return runIDPattern.MatchString(s)
}

func shortHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:shortLen]
}
