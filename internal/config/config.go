// Package config loads the service configuration from per-environment YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the rag-everything API configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Cleaner   CleanerConfig   `yaml:"cleaner"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// RedisConfig holds connection settings for the Redis used by caching,
// usage counters, and per-IP rate limiting.
type RedisConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// QdrantConfig holds vector store settings.
type QdrantConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	CollectionDocs  string `yaml:"collection_docs"`
	CollectionChats string `yaml:"collection_chats"`
}

// BudgetConfig holds the rate ceilings for one outbound API client.
// Zero means the ceiling is not enforced.
type BudgetConfig struct {
	RPM int   `yaml:"rpm"` // requests per minute
	TPM int   `yaml:"tpm"` // tokens per minute
	TPD int64 `yaml:"tpd"` // tokens per day
}

// EmbeddingConfig holds the remote embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string       `yaml:"api_key"`
	Endpoint   string       `yaml:"endpoint"`
	Model      string       `yaml:"model"`
	Dimensions int          `yaml:"dimensions"`
	BatchSize  int          `yaml:"batch_size"`
	Tokenizer  string       `yaml:"tokenizer"` // tiktoken encoding name, empty = chars/4 heuristic
	Budget     BudgetConfig `yaml:"budget"`
	CacheTTL   int          `yaml:"cache_ttl_sec"` // query embedding cache TTL, 0 = disabled
}

// RerankerConfig holds the remote reranker settings.
// An empty APIKey disables remote reranking and forces the local fallback.
type RerankerConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// RetrievalConfig holds the search pipeline settings.
type RetrievalConfig struct {
	TopKSearch int `yaml:"top_k_search"`
	TopKRerank int `yaml:"top_k_rerank"`
	// ScoreThreshold is tuned for remote reranker scores (can be negative).
	// The local-fallback path uses its own fixed similarity floor.
	ScoreThreshold float64 `yaml:"score_threshold"`
}

// CleanerConfig holds the AI content cleaner settings.
type CleanerConfig struct {
	Enabled     bool         `yaml:"enabled"`
	APIKey      string       `yaml:"api_key"`
	BaseURL     string       `yaml:"base_url"`
	Model       string       `yaml:"model"`
	MaxTokens   int          `yaml:"max_tokens"`
	Temperature float64      `yaml:"temperature"`
	Budget      BudgetConfig `yaml:"budget"`
}

// RateLimitConfig holds per-IP request limiting settings.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	Requests  int  `yaml:"requests"`
	WindowSec int  `yaml:"window_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Redis.ReadinessTimeout <= 0 {
		c.Redis.ReadinessTimeout = 10
	}
	if c.Qdrant.Port <= 0 {
		c.Qdrant.Port = 6334
	}
	if c.Qdrant.CollectionDocs == "" {
		c.Qdrant.CollectionDocs = "rag_documents"
	}
	if c.Qdrant.CollectionChats == "" {
		c.Qdrant.CollectionChats = "rag_conversations"
	}
	if c.Embedding.Endpoint == "" {
		c.Embedding.Endpoint = "https://api.jina.ai/v1/embeddings"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "jina-embeddings-v5-text-small"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1024
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 50
	}
	if c.Embedding.Budget.RPM <= 0 {
		c.Embedding.Budget.RPM = 100
	}
	if c.Embedding.Budget.TPM <= 0 {
		c.Embedding.Budget.TPM = 100000
	}
	if c.Reranker.Endpoint == "" {
		c.Reranker.Endpoint = "https://api.voyageai.com/v1/rerank"
	}
	if c.Reranker.Model == "" {
		c.Reranker.Model = "rerank-2"
	}
	if c.Reranker.TimeoutSec <= 0 {
		c.Reranker.TimeoutSec = 30
	}
	if c.Retrieval.TopKSearch <= 0 {
		c.Retrieval.TopKSearch = 50
	}
	if c.Retrieval.TopKRerank <= 0 {
		c.Retrieval.TopKRerank = 10
	}
	if c.Retrieval.ScoreThreshold == 0 {
		c.Retrieval.ScoreThreshold = -5.0
	}
	if c.Cleaner.Model == "" {
		c.Cleaner.Model = "meta-llama/llama-4-scout-17b-16e-instruct"
	}
	if c.Cleaner.MaxTokens <= 0 {
		c.Cleaner.MaxTokens = 1024
	}
	if c.Cleaner.Temperature == 0 {
		c.Cleaner.Temperature = 0.2
	}
	if c.Cleaner.Budget.RPM <= 0 {
		c.Cleaner.Budget.RPM = 30
	}
	if c.Cleaner.Budget.TPM <= 0 {
		c.Cleaner.Budget.TPM = 30000
	}
	if c.Cleaner.Budget.TPD <= 0 {
		c.Cleaner.Budget.TPD = 500000
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = 60
	}
	if c.RateLimit.WindowSec <= 0 {
		c.RateLimit.WindowSec = 60
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis.addrs is required")
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant.host is required")
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required")
	}
	if c.Retrieval.TopKRerank > c.Retrieval.TopKSearch {
		return fmt.Errorf(
			"retrieval.top_k_rerank (%d) must not exceed retrieval.top_k_search (%d)",
			c.Retrieval.TopKRerank, c.Retrieval.TopKSearch,
		)
	}
	if c.Cleaner.Enabled && c.Cleaner.APIKey == "" {
		return fmt.Errorf("cleaner.api_key is required when cleaner is enabled")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
