// Package llm defines the language model boundary. The engine talks to
// the Client interface only; vendor SDKs live behind it and their
// failures surface as typed unavailability errors, never as raw
// transport exceptions.
package llm

import (
	"context"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
)

// CompleteRequest asks for one completion. JSONSchema, when set, asks
// the backend to constrain output to the given schema.
type CompleteRequest struct {
	Prompt     string
	MaxTokens  int
	JSONSchema string
}

// CompleteResult carries the completion and how it was produced.
type CompleteResult struct {
	Text       string
	Model      string
	DurationMs int64
}

// Candidate is one learning proposed by extraction.
type Candidate struct {
	Content  string
	Category string
	Keywords []string
}

// ExtractResult reports what extraction found in one transcript chunk.
// WasExtracted distinguishes "a model looked and found nothing" from
// "no model was available to look".
type ExtractResult struct {
	Candidates   []Candidate
	SourceChunk  string
	WasExtracted bool
	Metadata     map[string]any
}

// Client is implemented per backend. Implementations wrap transport
// failures with WrapUnavailable so callers can degrade gracefully.
type Client interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)
	Extract(ctx context.Context, chunk string) (*ExtractResult, error)
	IsAvailable() bool
}

// Noop is the fallback client when no backend is configured. Completion
// fails as unavailable; extraction degrades to finding nothing.
type Noop struct{}

func (Noop) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	return nil, &errdefs.LlmUnavailableError{Reason: "no llm backend configured"}
}

func (Noop) Extract(ctx context.Context, chunk string) (*ExtractResult, error) {
	return &ExtractResult{Candidates: []Candidate{}, SourceChunk: chunk}, nil
}

func (Noop) IsAvailable() bool { return false }

// WrapUnavailable converts a backend transport error into the typed
// unavailability the core expects. Nil passes through.
func WrapUnavailable(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &errdefs.LlmUnavailableError{Reason: provider, Err: err}
}
