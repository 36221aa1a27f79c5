package rerank

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

type fakeRerankProvider struct {
	items   []domain.RerankItem
	err     error
	calls   int
	gotDocs []string
}

func (p *fakeRerankProvider) Rerank(_ context.Context, _ string, documents []string, _ int) ([]domain.RerankItem, error) {
	p.calls++
	p.gotDocs = documents
	return p.items, p.err
}

func hitsFixture() []domain.SearchHit {
	return []domain.SearchHit{
		{Fragment: domain.Fragment{Text: "alpha", SourceName: "a.md"}, Similarity: 0.9},
		{Fragment: domain.Fragment{Text: "beta", SourceName: "b.md"}, Similarity: 0.4},
		{Fragment: domain.Fragment{Text: "gamma", SourceName: "c.md"}, Similarity: 0.7},
	}
}

func TestRerank_RemoteOrdersByScore(t *testing.T) {
	provider := &fakeRerankProvider{items: []domain.RerankItem{
		{Index: 1, RelevanceScore: 2.5},
		{Index: 2, RelevanceScore: -1.0},
		{Index: 0, RelevanceScore: 8.0},
	}}
	s := New(provider, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hitsFixture(), 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Fragment.Text != "alpha" || results[1].Fragment.Text != "beta" || results[2].Fragment.Text != "gamma" {
		t.Errorf("results not ordered by score: %+v", results)
	}
	for _, r := range results {
		if r.IsFallback {
			t.Errorf("remote results must not be flagged fallback: %+v", r)
		}
	}
}

func TestRerank_CodeDocumentsCarryPathPrefix(t *testing.T) {
	provider := &fakeRerankProvider{items: []domain.RerankItem{{Index: 0, RelevanceScore: 1.0}}}
	s := New(provider, zap.NewNop())

	hits := []domain.SearchHit{
		{Fragment: domain.Fragment{Text: "prose"}, Similarity: 0.9},
		{Fragment: domain.Fragment{
			Text:     "func Reserve()",
			Metadata: map[string]any{domain.MetaFilePath: "internal/ratelimit/limiter.go"},
		}, Similarity: 0.8},
	}
	s.Rerank(context.Background(), "q", hits, 2)

	if len(provider.gotDocs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(provider.gotDocs))
	}
	if provider.gotDocs[0] != "prose" {
		t.Errorf("plain fragments must be sent as-is, got %q", provider.gotDocs[0])
	}
	if provider.gotDocs[1] != "internal/ratelimit/limiter.go\nfunc Reserve()" {
		t.Errorf("file-backed fragments must carry a path prefix, got %q", provider.gotDocs[1])
	}
}

func TestRerank_ProviderErrorFallsBack(t *testing.T) {
	provider := &fakeRerankProvider{err: errors.New("connection refused")}
	s := New(provider, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hitsFixture(), 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Fallback orders by similarity: alpha 0.9, gamma 0.7.
	if results[0].Fragment.Text != "alpha" || results[1].Fragment.Text != "gamma" {
		t.Errorf("fallback not ordered by similarity: %+v", results)
	}
	for _, r := range results {
		if !r.IsFallback {
			t.Errorf("fallback results must be flagged: %+v", r)
		}
	}
}

func TestRerank_NilProviderFallsBack(t *testing.T) {
	s := New(nil, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hitsFixture(), 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].IsFallback {
		t.Error("nil provider must produce fallback results")
	}
}

func TestRerank_EmptyRemoteResponseFallsBack(t *testing.T) {
	provider := &fakeRerankProvider{items: []domain.RerankItem{}}
	s := New(provider, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hitsFixture(), 3)
	if len(results) != 3 || !results[0].IsFallback {
		t.Fatalf("empty remote response must fall back, got %+v", results)
	}
}

func TestRerank_OutOfRangeIndicesDiscarded(t *testing.T) {
	provider := &fakeRerankProvider{items: []domain.RerankItem{
		{Index: 0, RelevanceScore: 1.0},
		{Index: 99, RelevanceScore: 9.0},
		{Index: -1, RelevanceScore: 9.0},
	}}
	s := New(provider, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hitsFixture(), 3)
	if len(results) != 1 {
		t.Fatalf("expected only the in-range item, got %+v", results)
	}
	if results[0].Fragment.Text != "alpha" || results[0].IsFallback {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestRerank_AllIndicesInvalidFallsBack(t *testing.T) {
	provider := &fakeRerankProvider{items: []domain.RerankItem{
		{Index: 7, RelevanceScore: 1.0},
	}}
	s := New(provider, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hitsFixture(), 3)
	if len(results) != 3 || !results[0].IsFallback {
		t.Fatalf("expected fallback when no remote index is usable, got %+v", results)
	}
}

func TestRerank_FallbackClampsScores(t *testing.T) {
	hits := []domain.SearchHit{
		{Fragment: domain.Fragment{Text: "over"}, Similarity: 1.3},
		{Fragment: domain.Fragment{Text: "under"}, Similarity: -0.2},
	}
	s := New(nil, zap.NewNop())

	results := s.Rerank(context.Background(), "q", hits, 2)
	if results[0].RerankScore != 1.0 {
		t.Errorf("scores above 1 must clamp to 1, got %v", results[0].RerankScore)
	}
	if results[1].RerankScore != 0.0 {
		t.Errorf("scores below 0 must clamp to 0, got %v", results[1].RerankScore)
	}
}

func TestRerank_EmptyHits(t *testing.T) {
	provider := &fakeRerankProvider{}
	s := New(provider, zap.NewNop())

	results := s.Rerank(context.Background(), "q", nil, 3)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
	if provider.calls != 0 {
		t.Error("empty input must not reach the provider")
	}
}
