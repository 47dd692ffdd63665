package learning

import (
	"context"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
)

// EmbeddingProvider turns text into a fixed-width vector. Implementations
// wrap transport failures in EmbeddingUnavailableError so callers can
// degrade to lexical-only recall.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	IsAvailable() bool
}

// NoopEmbedding is the fallback provider when no backend is configured.
type NoopEmbedding struct{}

func (NoopEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, &errdefs.EmbeddingUnavailableError{Reason: "no embedding backend configured"}
}

func (NoopEmbedding) IsAvailable() bool { return false }

// EncodeVector packs a vector for BLOB storage.
func EncodeVector(v []float32) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeVector unpacks a stored embedding. Returns nil for an empty blob.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float32
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// is empty or their dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
