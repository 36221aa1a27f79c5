// Package retrieval runs the search pipeline: embed the query, search the
// vector store, boost filename matches, rerank, and cut by score.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
)

// fallbackScoreFloor cuts similarity-scale scores when the reranker degraded
// to the local fallback. The configured threshold is meaningless there: it is
// tuned for cross-encoder logits, which live on a different scale entirely.
const fallbackScoreFloor = 0.2

// guaranteedResults is how many top results survive when the score cut would
// otherwise leave the caller with nothing.
const guaranteedResults = 3

// Service is the retrieval pipeline.
type Service struct {
	embedder QueryEmbedder
	searcher VectorSearcher
	reranker Reranker
	usage    UsageRecorder

	topKSearch     int
	topKRerank     int
	scoreThreshold float64
	logger         *zap.Logger
}

// Config holds the retrieval service settings.
type Config struct {
	Embedder QueryEmbedder
	Searcher VectorSearcher
	Reranker Reranker
	Usage    UsageRecorder // optional

	TopKSearch     int
	TopKRerank     int
	ScoreThreshold float64
	Logger         *zap.Logger
}

// New creates a retrieval service.
func New(cfg *Config) *Service {
	return &Service{
		embedder:       cfg.Embedder,
		searcher:       cfg.Searcher,
		reranker:       cfg.Reranker,
		usage:          cfg.Usage,
		topKSearch:     cfg.TopKSearch,
		topKRerank:     cfg.TopKRerank,
		scoreThreshold: cfg.ScoreThreshold,
		logger:         cfg.Logger,
	}
}

// Retrieve returns the fragments most relevant to the query, best first.
// A non-empty sources slice restricts the search to those source names.
// Vector store failures degrade to an empty result rather than an error;
// embedding failures propagate because nothing can be searched without a
// query vector.
func (s *Service) Retrieve(ctx context.Context, query string, sources []string) ([]domain.RankedResult, error) {
	start := time.Now()

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.searcher.Search(ctx, vector, s.topKSearch, sources)
	if err != nil {
		s.logger.Warn("Vector search failed, returning no results", zap.Error(err))
		return []domain.RankedResult{}, nil
	}
	if len(hits) == 0 {
		return []domain.RankedResult{}, nil
	}

	hits = boostFilenameMatches(query, hits)
	ranked := s.reranker.Rerank(ctx, query, hits, s.topKRerank)

	results := s.applyThreshold(ranked)

	if s.usage != nil {
		s.usage.RecordSearch()
	}
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("Retrieval pipeline finished",
		zap.Int("hits", len(hits)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)),
	)
	return results, nil
}

// applyThreshold cuts low-scoring results. The floor depends on which scale
// the scores are on: cross-encoder logits from the remote reranker, or
// clamped similarities from the fallback. If the cut removes everything but
// something was ranked, the top few survive anyway: a weak answer beats none.
func (s *Service) applyThreshold(ranked []domain.RankedResult) []domain.RankedResult {
	if len(ranked) == 0 {
		return ranked
	}

	floor := s.scoreThreshold
	if anyFallback(ranked) {
		floor = fallbackScoreFloor
	}

	kept := make([]domain.RankedResult, 0, len(ranked))
	for _, r := range ranked {
		if r.RerankScore >= floor {
			kept = append(kept, r)
		}
	}

	if len(kept) == 0 {
		n := min(guaranteedResults, len(ranked))
		s.logger.Debug("All results below score floor, keeping top ones anyway",
			zap.Float64("floor", floor),
			zap.Int("kept", n),
		)
		return ranked[:n]
	}
	return kept
}

func anyFallback(ranked []domain.RankedResult) bool {
	for _, r := range ranked {
		if r.IsFallback {
			return true
		}
	}
	return false
}
