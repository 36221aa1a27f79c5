// Package voyage is the HTTP client for the Voyage-style rerank API.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// Client calls the remote rerank endpoint. Any failure surfaces as an error
// wrapping domain.ErrRerankerUnavailable; the rerank usecase turns every such
// error into the local fallback.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	logger     *zap.Logger
}

// Config holds the rerank endpoint settings.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewClient creates a rerank API client.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		logger:     cfg.Logger,
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type rerankResponse struct {
	Data []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"data"`
}

// Rerank scores documents against the query and returns (index, score)
// pairs ordered by descending relevance, at most topK of them.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topK int) ([]domain.RerankItem, error) {
	payload := rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: documents,
		TopK:      topK,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w: %w", domain.ErrRerankerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.Warn("Rerank API request failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", msg),
		)
		return nil, fmt.Errorf("rerank API %d: %w", resp.StatusCode, domain.ErrRerankerUnavailable)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w: %w", domain.ErrRerankerUnavailable, err)
	}

	items := make([]domain.RerankItem, len(parsed.Data))
	for i, d := range parsed.Data {
		items[i] = domain.RerankItem{Index: d.Index, RelevanceScore: d.RelevanceScore}
	}
	return items, nil
}
