// Package rerank reorders search hits by cross-encoder relevance, falling
// back to vector similarity whenever the remote reranker cannot serve.
package rerank

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
)

// Service scores hits against the query. Rerank never fails: any provider
// problem degrades to the similarity-ordered fallback, and every result
// carries IsFallback so downstream thresholds know which score scale the
// RerankScore lives on.
type Service struct {
	provider Provider
	logger   *zap.Logger
}

// New creates a rerank service. provider may be nil.
func New(provider Provider, logger *zap.Logger) *Service {
	return &Service{provider: provider, logger: logger}
}

// Rerank returns at most topK results ordered by descending relevance.
// An empty hits slice returns an empty slice.
func (s *Service) Rerank(ctx context.Context, query string, hits []domain.SearchHit, topK int) []domain.RankedResult {
	if len(hits) == 0 {
		return []domain.RankedResult{}
	}

	if s.provider == nil {
		metrics.RerankFallbacksTotal.WithLabelValues("unconfigured").Inc()
		return s.fallback(hits, topK)
	}

	documents := make([]string, len(hits))
	for i, h := range hits {
		documents[i] = documentString(h.Fragment)
	}

	items, err := s.provider.Rerank(ctx, query, documents, topK)
	if err != nil {
		metrics.RerankFallbacksTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Remote rerank failed, using similarity order",
			zap.Int("hits", len(hits)),
			zap.Error(err),
		)
		return s.fallback(hits, topK)
	}
	if len(items) == 0 {
		metrics.RerankFallbacksTotal.WithLabelValues("empty").Inc()
		s.logger.Warn("Remote rerank returned no results, using similarity order",
			zap.Int("hits", len(hits)),
		)
		return s.fallback(hits, topK)
	}

	results := make([]domain.RankedResult, 0, len(items))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(hits) {
			s.logger.Warn("Rerank result index out of range, discarding",
				zap.Int("index", item.Index),
				zap.Int("hits", len(hits)),
			)
			continue
		}
		results = append(results, domain.RankedResult{
			SearchHit:   hits[item.Index],
			RerankScore: item.RelevanceScore,
			IsFallback:  false,
		})
	}
	if len(results) == 0 {
		metrics.RerankFallbacksTotal.WithLabelValues("empty").Inc()
		return s.fallback(hits, topK)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RerankScore > results[j].RerankScore
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// documentString renders one hit for the remote scorer. Fragments with a
// file path get it as a location prefix so the cross-encoder can weigh
// file-specific queries.
func documentString(f domain.Fragment) string {
	if path := f.FilePath(); path != "" {
		return path + "\n" + f.Text
	}
	return f.Text
}

// fallback reuses the vector similarity as the relevance score, clamped to
// [0, 1] so the fallback threshold has a known scale to cut on.
func (s *Service) fallback(hits []domain.SearchHit, topK int) []domain.RankedResult {
	results := make([]domain.RankedResult, len(hits))
	for i, h := range hits {
		score := h.Similarity
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		results[i] = domain.RankedResult{
			SearchHit:   h,
			RerankScore: score,
			IsFallback:  true,
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RerankScore > results[j].RerankScore
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
