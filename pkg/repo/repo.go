// Package repo holds the typed row mappers between pkg/types entities and
// their SQLite tables. Every method takes a storage.Querier so the same
// code path serves plain reads and statements inside a transaction; the
// repositories never open transactions themselves.
package repo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jamesaphoenix/tx/pkg/storage"
)

// encodeMeta renders a metadata map as the JSON TEXT stored in the row.
// A nil map is stored as the empty object so json_extract always works.
func encodeMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMeta(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func encodeStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return v, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := storage.FormatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return storage.ParseTime(s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := storage.ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
