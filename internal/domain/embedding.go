package domain

import (
	"fmt"
	"math"
)

// Task selects the embedding mode for models that distinguish documents
// from queries.
type Task string

// Embedding task modes (Jina naming).
const (
	TaskDocument Task = "retrieval.passage"
	TaskQuery    Task = "retrieval.query"
)

// EmbeddingResult carries one embedding vector and its token usage.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// BatchEmbeddingResult carries the vectors for one provider call, in input
// order, plus the provider-reported token usage for the whole batch.
// PromptTokens is -1 when the provider did not report usage.
type BatchEmbeddingResult struct {
	Embeddings   [][]float32
	PromptTokens int
	TotalTokens  int
}

// ValidateVector checks that a vector has the configured dimension and only
// finite values. A vector failing this check must never reach the store.
func ValidateVector(vec []float32, dimensions int) error {
	if len(vec) != dimensions {
		return fmt.Errorf("%w: got %d, want %d", ErrVectorDimMismatch, len(vec), dimensions)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: index %d", ErrNonFiniteVector, i)
		}
	}
	return nil
}
