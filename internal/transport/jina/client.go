// Package jina is the HTTP client for the Jina-style embeddings API.
package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
)

// Client calls the remote embeddings endpoint. It performs no batching,
// rate limiting, or retries; the embedding usecase owns that policy.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	logger     *zap.Logger
}

// Config holds the embedding endpoint settings.
type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Logger     *zap.Logger
}

// NewClient creates an embeddings API client.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		logger:     cfg.Logger,
	}
}

type embeddingRequest struct {
	Model         string   `json:"model"`
	Input         []string `json:"input"`
	Task          string   `json:"task"`
	Dimensions    int      `json:"dimensions,omitempty"`
	Truncate      bool     `json:"truncate"`
	EmbeddingType string   `json:"embedding_type"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbedBatch embeds one batch of texts and returns the vectors in input
// order plus provider-reported usage. Error mapping: 429 becomes a
// RateLimitedError carrying Retry-After, 5xx wraps ErrProviderUnavailable,
// a response missing vectors wraps ErrMalformedResponse.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, task domain.Task) (domain.BatchEmbeddingResult, error) {
	payload := embeddingRequest{
		Model:         c.model,
		Input:         texts,
		Task:          string(task),
		Dimensions:    c.dimensions,
		EmbeddingType: "float",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(c.model, string(task), "error").Inc()
		return domain.BatchEmbeddingResult{}, fmt.Errorf("embedding request: %w: %w", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.EmbeddingRequestsTotal.WithLabelValues(c.model, string(task), "error").Inc()
		err := c.statusError(resp)
		c.logger.Warn("Embedding API request failed",
			zap.Int("status", resp.StatusCode),
			zap.Int("batch_size", len(texts)),
			zap.Error(err),
		)
		return domain.BatchEmbeddingResult{}, err
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(c.model, string(task), "error").Inc()
		return domain.BatchEmbeddingResult{}, fmt.Errorf("decode embedding response: %w: %w", domain.ErrMalformedResponse, err)
	}

	if len(parsed.Data) != len(texts) {
		metrics.EmbeddingRequestsTotal.WithLabelValues(c.model, string(task), "error").Inc()
		return domain.BatchEmbeddingResult{}, fmt.Errorf(
			"embedding response has %d vectors for %d inputs: %w",
			len(parsed.Data), len(texts), domain.ErrMalformedResponse,
		)
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return domain.BatchEmbeddingResult{}, fmt.Errorf(
				"embedding response index %d out of range: %w", item.Index, domain.ErrMalformedResponse)
		}
		if item.Embedding == nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf(
				"embedding response item %d has no vector: %w", item.Index, domain.ErrMalformedResponse)
		}
		embeddings[item.Index] = item.Embedding
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues(c.model, string(task), "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(c.model, string(task)).Observe(duration.Seconds())
	if parsed.Usage.PromptTokens > 0 {
		metrics.EmbeddingTokensTotal.WithLabelValues(c.model, "prompt").Add(float64(parsed.Usage.PromptTokens))
		metrics.EmbeddingTokensTotal.WithLabelValues(c.model, "total").Add(float64(parsed.Usage.TotalTokens))
	}

	promptTokens := parsed.Usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = -1 // provider did not report usage
	}
	return domain.BatchEmbeddingResult{
		Embeddings:   embeddings,
		PromptTokens: promptTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, nil
}

// statusError maps a non-200 response to a typed error.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return fmt.Errorf("embedding API %d: %s: %w",
			resp.StatusCode, string(body), domain.ErrProviderUnavailable)
	default:
		return fmt.Errorf("embedding API %d: %s", resp.StatusCode, string(body))
	}
}

// parseRetryAfter reads a Retry-After header in seconds. Returns 0 when the
// header is absent or unparseable.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
