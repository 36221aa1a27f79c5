// Package embedding turns fragment texts into vectors under the provider's
// batch-size and rate ceilings, preserving the 1:1 text-to-vector mapping.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
	// retryJitter desynchronizes concurrent retry loops.
	retryJitter = 100 * time.Millisecond
)

// Service is the embedding client: it batches texts, reserves budget before
// every provider call, retries rate-limited and transient failures until the
// batch succeeds, and reconciles estimated against actual token usage.
// A batch is never dropped: losing one would corrupt the text-to-vector
// mapping the ingestion layer relies on.
type Service struct {
	provider Provider
	limiter  Limiter
	usage    UsageRecorder

	tokenizer    *tiktoken.Tiktoken
	hasTokenizer bool

	batchSize int
	tpmLimit  int
	logger    *zap.Logger

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Config holds the embedding service settings.
type Config struct {
	Provider Provider
	Limiter  Limiter
	Usage    UsageRecorder // optional
	// TokenizerEncoding is a tiktoken encoding name (e.g. "cl100k_base").
	// Empty or unknown falls back to the chars/4 heuristic.
	TokenizerEncoding string
	BatchSize         int
	TPMLimit          int
	Logger            *zap.Logger
}

// New creates an embedding service. Tokenizer availability is resolved here,
// once, so the estimation path needs no runtime capability checks.
func New(cfg *Config) *Service {
	s := &Service{
		provider:  cfg.Provider,
		limiter:   cfg.Limiter,
		usage:     cfg.Usage,
		batchSize: cfg.BatchSize,
		tpmLimit:  cfg.TPMLimit,
		logger:    cfg.Logger,
		sleep:     sleepCtx,
	}
	if cfg.TokenizerEncoding != "" {
		enc, err := tiktoken.GetEncoding(cfg.TokenizerEncoding)
		if err != nil {
			cfg.Logger.Warn("Tokenizer unavailable, using character heuristic",
				zap.String("encoding", cfg.TokenizerEncoding), zap.Error(err))
		} else {
			s.tokenizer = enc
			s.hasTokenizer = true
		}
	}
	return s
}

// EmbedDocuments embeds texts in batches of at most the configured size and
// returns one vector per input text, in input order.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); {
		end := min(i+s.batchSize, len(texts))
		batch, estimated := s.fitToTPM(texts[i:end])

		if err := s.limiter.Reserve(ctx, estimated); err != nil {
			return nil, fmt.Errorf("reserve budget for batch at %d: %w", i, err)
		}

		res, err := s.embedWithRetry(ctx, batch, domain.TaskDocument)
		if err != nil {
			return nil, fmt.Errorf("embed batch at %d (%d texts): %w", i, len(batch), err)
		}
		s.limiter.Reconcile(res.PromptTokens, estimated)
		if s.usage != nil {
			s.usage.RecordEmbedding(1, len(batch))
		}

		out = append(out, res.Embeddings...)
		i += len(batch)
	}

	return out, nil
}

// EmbedQuery embeds a single query text in query task mode.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyText
	}

	estimated := s.estimateTokens([]string{text})
	if err := s.limiter.Reserve(ctx, estimated); err != nil {
		return nil, fmt.Errorf("reserve budget for query: %w", err)
	}

	res, err := s.embedWithRetry(ctx, []string{text}, domain.TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	s.limiter.Reconcile(res.PromptTokens, estimated)
	if s.usage != nil {
		s.usage.RecordEmbedding(1, 1)
	}

	if len(res.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned for query: %w", domain.ErrMalformedResponse)
	}
	return res.Embeddings[0], nil
}

// fitToTPM shrinks a batch whose estimated cost exceeds the per-minute token
// ceiling, proportionally, until it fits or only one text remains. Without
// this an oversized batch would deadlock against the limiter: the window
// would never have room for it.
func (s *Service) fitToTPM(batch []string) ([]string, int) {
	estimated := s.estimateTokens(batch)
	if s.tpmLimit <= 0 {
		return batch, estimated
	}

	for estimated > s.tpmLimit && len(batch) > 1 {
		newSize := len(batch) * s.tpmLimit / estimated
		if newSize < 1 {
			newSize = 1
		}
		if newSize >= len(batch) {
			newSize = len(batch) - 1
		}
		batch = batch[:newSize]
		estimated = s.estimateTokens(batch)
		s.logger.Debug("Batch too large for TPM ceiling, shrunk",
			zap.Int("new_size", len(batch)),
			zap.Int("estimated_tokens", estimated),
		)
	}
	return batch, estimated
}

// estimateTokens estimates the token cost of a batch: real tokenizer counts
// when available, otherwise ~4 characters per token. At least 1.
func (s *Service) estimateTokens(texts []string) int {
	total := 0
	if s.hasTokenizer {
		for _, t := range texts {
			if t == "" {
				continue
			}
			total += len(s.tokenizer.Encode(t, nil, nil))
		}
	} else {
		chars := 0
		for _, t := range texts {
			chars += len(t)
		}
		total = chars / 4
	}
	return max(1, total)
}

// embedWithRetry retries rate-limited and transient provider failures until
// the batch succeeds. 429 honors a provider Retry-After when present,
// otherwise exponential backoff doubling from backoffBase up to backoffCap.
// Malformed responses are fatal for the batch and propagate.
func (s *Service) embedWithRetry(ctx context.Context, batch []string, task domain.Task) (domain.BatchEmbeddingResult, error) {
	attempt := 0
	for {
		res, err := s.provider.EmbedBatch(ctx, batch, task)
		if err == nil {
			return res, nil
		}

		attempt++
		var delay time.Duration
		var cause string

		var rl *domain.RateLimitedError
		switch {
		case errors.As(err, &rl):
			cause = "rate_limited"
			delay = rl.RetryAfter
			if delay <= 0 {
				delay = backoffDelay(attempt)
			}
		case errors.Is(err, domain.ErrProviderUnavailable):
			cause = "transient"
			delay = backoffDelay(attempt)
		default:
			return domain.BatchEmbeddingResult{}, err
		}

		metrics.EmbeddingRetriesTotal.WithLabelValues(cause).Inc()
		s.logger.Warn("Embedding call failed, retrying",
			zap.String("cause", cause),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if serr := s.sleep(ctx, delay+rand.N(retryJitter)); serr != nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("wait before retry: %w", serr)
		}
	}
}

// backoffDelay doubles from backoffBase per attempt, capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	shift := min(attempt-1, 5)
	d := backoffBase << shift
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
