// Package cleaner normalizes noisy raw content (scraped pages, transcripts,
// OCR output) into clean prose via an LLM before ingestion.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// maxInputChars bounds what one cleaning call sends to the LLM. Longer
// inputs are truncated, not split: the cleaner is a best-effort filter and
// the tail of a huge page is rarely worth another request.
const maxInputChars = 6000

// maxAttempts bounds retries. Unlike embedding, cleaning is optional work:
// giving up degrades quality, not correctness.
const maxAttempts = 5

// noContentMarker is what the prompt tells the model to answer when the
// input holds nothing worth keeping.
const noContentMarker = "NO_VALID_CONTENT"

const systemPrompt = `You clean raw extracted content for a knowledge base.
Remove navigation menus, ads, boilerplate, repeated headers, and artifacts.
Keep the meaningful prose and code exactly as written. Do not summarize.
If the input contains no meaningful content, reply with exactly ` + noContentMarker + `.`

// ChatCompleter is the slice of the OpenAI-compatible client the cleaner
// uses. Groq serves the same API shape.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Limiter is the budget gate for the cleaning model's API key.
type Limiter interface {
	Reserve(ctx context.Context, estimatedTokens int) error
	Reconcile(actualTokens, estimatedTokens int)
}

// Service cleans raw text through an LLM under its own rate budget.
type Service struct {
	client      ChatCompleter
	limiter     Limiter
	model       string
	maxTokens   int
	temperature float32
	logger      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Config holds the cleaner settings.
type Config struct {
	Client      ChatCompleter
	Limiter     Limiter
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      *zap.Logger
}

// New creates a cleaner service.
func New(cfg *Config) *Service {
	return &Service{
		client:      cfg.Client,
		limiter:     cfg.Limiter,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
		sleep:       sleepCtx,
	}
}

// Clean returns a cleaned version of raw. ErrNoContent means the model
// judged the input to hold nothing worth keeping.
func (s *Service) Clean(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrNoContent
	}
	if len(raw) > maxInputChars {
		raw = raw[:maxInputChars]
	}

	// Input plus prompt plus the response budget.
	estimated := len(raw)/4 + len(systemPrompt)/4 + s.maxTokens
	if err := s.limiter.Reserve(ctx, estimated); err != nil {
		return "", fmt.Errorf("reserve cleaning budget: %w", err)
	}

	resp, err := s.completeWithRetry(ctx, raw)
	if err != nil {
		return "", err
	}
	s.limiter.Reconcile(resp.Usage.TotalTokens, estimated)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("cleaning response has no choices: %w", domain.ErrMalformedResponse)
	}
	cleaned := strings.TrimSpace(resp.Choices[0].Message.Content)
	if cleaned == "" || cleaned == noContentMarker {
		return "", domain.ErrNoContent
	}
	return cleaned, nil
}

func (s *Service) completeWithRetry(ctx context.Context, raw string) (openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: raw},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return openai.ChatCompletionResponse{}, fmt.Errorf("cleaning request: %w", err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := time.Duration(attempt) * 2 * time.Second
		s.logger.Warn("Cleaning request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if serr := s.sleep(ctx, delay); serr != nil {
			return openai.ChatCompletionResponse{}, fmt.Errorf("wait before retry: %w", serr)
		}
	}
	return openai.ChatCompletionResponse{}, fmt.Errorf("cleaning failed after %d attempts: %w", maxAttempts, lastErr)
}

// isRetryable reports whether the API error is worth another attempt:
// rate limits and server-side failures are, everything else is not.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	// Transport-level failures (timeouts, resets) have no status code.
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
