// Package ingest validates, embeds, and stores fragments.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// DocumentEmbedder turns fragment texts into vectors, in input order.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// FragmentStore persists embedded fragments.
type FragmentStore interface {
	Upsert(ctx context.Context, fragments []domain.Fragment, vectors [][]float32) error
	DeleteSource(ctx context.Context, sourceName string) error
}

// Result reports what one ingestion call did.
type Result struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
}

// Service is the ingestion pipeline: drop empty fragments, embed the rest,
// drop fragments whose vectors fail validation, store what remains.
type Service struct {
	embedder   DocumentEmbedder
	store      FragmentStore
	dimensions int
	logger     *zap.Logger
}

// New creates an ingestion service.
func New(embedder DocumentEmbedder, store FragmentStore, dimensions int, logger *zap.Logger) *Service {
	return &Service{
		embedder:   embedder,
		store:      store,
		dimensions: dimensions,
		logger:     logger,
	}
}

// Ingest embeds and stores the fragments. Fragments without text are skipped
// up front; fragments whose vectors come back malformed are skipped after
// embedding. Skipping is counted, never silent.
func (s *Service) Ingest(ctx context.Context, fragments []domain.Fragment) (Result, error) {
	var res Result

	valid := make([]domain.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if !f.HasText() {
			res.Skipped++
			continue
		}
		valid = append(valid, f)
	}
	if res.Skipped > 0 {
		s.logger.Warn("Skipped fragments without text", zap.Int("skipped", res.Skipped))
	}
	if len(valid) == 0 {
		return res, nil
	}

	texts := make([]string, len(valid))
	for i, f := range valid {
		texts[i] = f.Text
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return res, fmt.Errorf("embed %d fragments: %w", len(valid), err)
	}
	if len(vectors) != len(valid) {
		return res, fmt.Errorf(
			"embedder returned %d vectors for %d fragments: %w",
			len(vectors), len(valid), domain.ErrMalformedResponse,
		)
	}

	keepFragments := make([]domain.Fragment, 0, len(valid))
	keepVectors := make([][]float32, 0, len(valid))
	for i, vec := range vectors {
		if err := domain.ValidateVector(vec, s.dimensions); err != nil {
			res.Skipped++
			s.logger.Warn("Skipping fragment with invalid vector",
				zap.String("source", valid[i].SourceName),
				zap.Error(err),
			)
			continue
		}
		keepFragments = append(keepFragments, valid[i])
		keepVectors = append(keepVectors, vec)
	}
	if len(keepFragments) == 0 {
		return res, nil
	}

	if err := s.store.Upsert(ctx, keepFragments, keepVectors); err != nil {
		return res, fmt.Errorf("store %d fragments: %w", len(keepFragments), err)
	}
	res.Stored = len(keepFragments)

	s.logger.Info("Ingested fragments",
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// IngestText chunks raw text for its source type and ingests the chunks as
// fragments of that source.
func (s *Service) IngestText(ctx context.Context, text string, sourceType domain.SourceType, sourceName string, metadata map[string]any) (Result, error) {
	chunks := ChunkText(text, sourceType)
	if len(chunks) == 0 {
		return Result{}, domain.ErrEmptyText
	}

	fragments := make([]domain.Fragment, len(chunks))
	for i, chunk := range chunks {
		meta := map[string]any{domain.MetaChunkIndex: i}
		for k, v := range metadata {
			meta[k] = v
		}
		fragments[i] = domain.Fragment{
			Text:       chunk,
			SourceType: sourceType,
			SourceName: sourceName,
			Metadata:   meta,
		}
	}
	return s.Ingest(ctx, fragments)
}

// DeleteSource removes every stored fragment of the named source.
func (s *Service) DeleteSource(ctx context.Context, sourceName string) error {
	if err := s.store.DeleteSource(ctx, sourceName); err != nil {
		return fmt.Errorf("delete source %q: %w", sourceName, err)
	}
	s.logger.Info("Deleted source", zap.String("source", sourceName))
	return nil
}
