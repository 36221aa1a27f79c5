package embedding

import (
	"context"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// Provider is the raw embedding API call. It owns no batching or retry
// policy; this service does.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string, task domain.Task) (domain.BatchEmbeddingResult, error)
}

// Limiter is the budget gate shared with other clients of the same API key.
type Limiter interface {
	Reserve(ctx context.Context, estimatedTokens int) error
	Reconcile(actualTokens, estimatedTokens int)
}

// UsageRecorder counts embedding API calls and embedded fragments for the
// usage report. Optional.
type UsageRecorder interface {
	RecordEmbedding(requests, fragments int)
}
