package rerank

import (
	"context"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// Provider is the remote cross-encoder call. Nil means no reranker is
// configured and every request takes the local fallback.
type Provider interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]domain.RerankItem, error)
}
