package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/ratelimit"
)

type fakeProvider struct {
	calls    [][]string
	tasks    []domain.Task
	failures []error // consumed one per call before succeeding
	reported int     // PromptTokens to report, 0 means -1 (unreported)
}

func (p *fakeProvider) EmbedBatch(_ context.Context, texts []string, task domain.Task) (domain.BatchEmbeddingResult, error) {
	p.calls = append(p.calls, append([]string(nil), texts...))
	p.tasks = append(p.tasks, task)

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		if err != nil {
			return domain.BatchEmbeddingResult{}, err
		}
	}

	embeddings := make([][]float32, len(texts))
	for i := range texts {
		embeddings[i] = []float32{float32(len(p.calls)), float32(i)}
	}
	reported := p.reported
	if reported == 0 {
		reported = -1
	}
	return domain.BatchEmbeddingResult{Embeddings: embeddings, PromptTokens: reported}, nil
}

type fakeLimiter struct {
	reserved   []int
	reconciled [][2]int // actual, estimated
	reserveErr error
}

func (l *fakeLimiter) Reserve(_ context.Context, estimatedTokens int) error {
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserved = append(l.reserved, estimatedTokens)
	return nil
}

func (l *fakeLimiter) Reconcile(actual, estimated int) {
	l.reconciled = append(l.reconciled, [2]int{actual, estimated})
}

func newTestService(provider *fakeProvider, limiter *fakeLimiter, batchSize, tpm int) (*Service, *[]time.Duration) {
	s := New(&Config{
		Provider:  provider,
		Limiter:   limiter,
		BatchSize: batchSize,
		TPMLimit:  tpm,
		Logger:    zap.NewNop(),
	})
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func TestEmbedDocuments_PreservesOrderAcrossBatches(t *testing.T) {
	provider := &fakeProvider{}
	limiter := &fakeLimiter{}
	s, _ := newTestService(provider, limiter, 2, 0)

	texts := []string{"one", "two", "three", "four", "five"}
	vecs, err := s.EmbedDocuments(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	if len(provider.calls) != 3 {
		t.Fatalf("expected 3 batches of size <=2, got %d", len(provider.calls))
	}
	// Vector i must come from the batch that contained text i.
	if vecs[0][0] != 1 || vecs[2][0] != 2 || vecs[4][0] != 3 {
		t.Errorf("vectors out of batch order: %v", vecs)
	}
	for _, task := range provider.tasks {
		if task != domain.TaskDocument {
			t.Errorf("expected document task, got %q", task)
		}
	}
}

func TestEmbedDocuments_ShrinksOversizedBatch(t *testing.T) {
	provider := &fakeProvider{}
	limiter := &fakeLimiter{}
	// ~250 estimated tokens per text against a ceiling of 300.
	s, _ := newTestService(provider, limiter, 10, 300)

	texts := make([]string, 4)
	for i := range texts {
		texts[i] = strings.Repeat("x", 1000)
	}
	vecs, err := s.EmbedDocuments(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, call := range provider.calls {
		if len(call) > 1 {
			t.Errorf("batch %d has %d texts, only 1 fits under the ceiling", i, len(call))
		}
	}
	for i, est := range limiter.reserved {
		if est > 300 {
			t.Errorf("reservation %d of %d tokens exceeds the ceiling", i, est)
		}
	}
}

func TestEmbedDocuments_SingleHugeTextStillSent(t *testing.T) {
	provider := &fakeProvider{}
	limiter := &fakeLimiter{}
	s, _ := newTestService(provider, limiter, 1, 100)

	// One 10000-char text estimates to ~2500 tokens: it cannot fit the
	// ceiling, but a single text must not shrink to zero.
	vecs, err := s.EmbedDocuments(context.Background(), []string{strings.Repeat("y", 10000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if len(limiter.reserved) != 1 || limiter.reserved[0] != 2500 {
		t.Errorf("expected a single 2500-token reservation, got %v", limiter.reserved)
	}
}

func TestEmbedDocuments_SingleHugeTextPassesRealLimiter(t *testing.T) {
	// Same scenario against the real limiter: a 2500-token estimate under
	// TPM=100 must be admitted, not wait for a window that can never fit it.
	provider := &fakeProvider{}
	limiter := ratelimit.New("test", ratelimit.Limits{RPM: 100, TPM: 100}, zap.NewNop())
	s := New(&Config{
		Provider:  provider,
		Limiter:   limiter,
		BatchSize: 1,
		TPMLimit:  100,
		Logger:    zap.NewNop(),
	})

	vecs, err := s.EmbedDocuments(context.Background(), []string{strings.Repeat("y", 10000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if got := limiter.Snapshot().WindowTokens; got != 2500 {
		t.Errorf("expected the 2500-token reserve in the window, got %d", got)
	}
}

func TestEmbedDocuments_RetriesHonorRetryAfter(t *testing.T) {
	provider := &fakeProvider{
		failures: []error{&domain.RateLimitedError{RetryAfter: 7 * time.Second}},
	}
	limiter := &fakeLimiter{}
	s, slept := newTestService(provider, limiter, 10, 0)

	vecs, err := s.EmbedDocuments(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if len(provider.calls) != 2 {
		t.Fatalf("expected 1 retry, got %d calls", len(provider.calls))
	}
	if len(*slept) != 1 || (*slept)[0] < 7*time.Second {
		t.Errorf("expected a sleep of at least the Retry-After, got %v", *slept)
	}
}

func TestEmbedDocuments_TransientErrorsBackOffExponentially(t *testing.T) {
	provider := &fakeProvider{
		failures: []error{
			fmt.Errorf("boom: %w", domain.ErrProviderUnavailable),
			fmt.Errorf("boom: %w", domain.ErrProviderUnavailable),
		},
	}
	limiter := &fakeLimiter{}
	s, slept := newTestService(provider, limiter, 10, 0)

	if _, err := s.EmbedDocuments(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*slept))
	}
	if (*slept)[0] < 2*time.Second || (*slept)[1] < 4*time.Second {
		t.Errorf("backoff must double from 2s, got %v", *slept)
	}
}

func TestEmbedDocuments_MalformedResponseIsFatal(t *testing.T) {
	provider := &fakeProvider{
		failures: []error{fmt.Errorf("bad payload: %w", domain.ErrMalformedResponse)},
	}
	limiter := &fakeLimiter{}
	s, slept := newTestService(provider, limiter, 10, 0)

	_, err := s.EmbedDocuments(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("malformed responses must not be retried, slept %v", *slept)
	}
	if len(limiter.reconciled) != 0 {
		t.Errorf("failed batch must not reconcile, got %v", limiter.reconciled)
	}
}

func TestEmbedDocuments_ReconcilesProviderUsage(t *testing.T) {
	provider := &fakeProvider{reported: 123}
	limiter := &fakeLimiter{}
	s, _ := newTestService(provider, limiter, 10, 0)

	if _, err := s.EmbedDocuments(context.Background(), []string{"hello world"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limiter.reconciled) != 1 {
		t.Fatalf("expected 1 reconcile, got %d", len(limiter.reconciled))
	}
	got := limiter.reconciled[0]
	if got[0] != 123 {
		t.Errorf("expected actual tokens 123, got %d", got[0])
	}
	if got[1] != limiter.reserved[0] {
		t.Errorf("reconcile estimate %d does not match reservation %d", got[1], limiter.reserved[0])
	}
}

func TestEmbedDocuments_DailyQuotaErrorPropagates(t *testing.T) {
	limiter := &fakeLimiter{reserveErr: domain.ErrDailyQuotaExhausted}
	s, _ := newTestService(&fakeProvider{}, limiter, 10, 0)

	_, err := s.EmbedDocuments(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrDailyQuotaExhausted) {
		t.Fatalf("expected ErrDailyQuotaExhausted, got %v", err)
	}
}

func TestEmbedQuery(t *testing.T) {
	t.Run("UsesQueryTask", func(t *testing.T) {
		provider := &fakeProvider{}
		s, _ := newTestService(provider, &fakeLimiter{}, 10, 0)

		vec, err := s.EmbedQuery(context.Background(), "what is a limiter")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if vec == nil {
			t.Fatal("expected a vector")
		}
		if len(provider.tasks) != 1 || provider.tasks[0] != domain.TaskQuery {
			t.Errorf("expected query task, got %v", provider.tasks)
		}
	})

	t.Run("EmptyTextRejected", func(t *testing.T) {
		provider := &fakeProvider{}
		s, _ := newTestService(provider, &fakeLimiter{}, 10, 0)

		if _, err := s.EmbedQuery(context.Background(), "   \n"); !errors.Is(err, domain.ErrEmptyText) {
			t.Fatalf("expected ErrEmptyText, got %v", err)
		}
		if len(provider.calls) != 0 {
			t.Error("empty query must not reach the provider")
		}
	})
}

func TestEstimateTokens_HeuristicFloor(t *testing.T) {
	s, _ := newTestService(&fakeProvider{}, &fakeLimiter{}, 10, 0)

	if got := s.estimateTokens([]string{"ab"}); got != 1 {
		t.Errorf("estimate must never be below 1, got %d", got)
	}
	if got := s.estimateTokens([]string{strings.Repeat("x", 400)}); got != 100 {
		t.Errorf("expected 100 for 400 chars, got %d", got)
	}
}

func TestBackoffDelay_Caps(t *testing.T) {
	if d := backoffDelay(1); d != 2*time.Second {
		t.Errorf("first delay should be 2s, got %v", d)
	}
	if d := backoffDelay(3); d != 8*time.Second {
		t.Errorf("third delay should be 8s, got %v", d)
	}
	if d := backoffDelay(20); d != 60*time.Second {
		t.Errorf("delay must cap at 60s, got %v", d)
	}
}
