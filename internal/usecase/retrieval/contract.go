package retrieval

import (
	"context"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// QueryEmbedder turns the user query into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher runs similarity search across the stored fragments.
// An empty sources slice means no source restriction.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, topK int, sources []string) ([]domain.SearchHit, error)
}

// Reranker reorders hits by relevance to the query. It never fails; degraded
// results carry IsFallback.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []domain.SearchHit, topK int) []domain.RankedResult
}

// UsageRecorder counts served searches for the usage report. Optional.
type UsageRecorder interface {
	RecordSearch()
}
