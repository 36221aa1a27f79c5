package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/config"
	dbRedis "github.com/Lokeessshhh/rag-everything/internal/db/redis"
	logpkg "github.com/Lokeessshhh/rag-everything/internal/logger"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
	"github.com/Lokeessshhh/rag-everything/internal/ratelimit"
	budgetrepo "github.com/Lokeessshhh/rag-everything/internal/repository/budget"
	"github.com/Lokeessshhh/rag-everything/internal/repository/embcache"
	qdrantrepo "github.com/Lokeessshhh/rag-everything/internal/repository/qdrant"
	"github.com/Lokeessshhh/rag-everything/internal/transport/httpapi"
	"github.com/Lokeessshhh/rag-everything/internal/transport/jina"
	"github.com/Lokeessshhh/rag-everything/internal/transport/voyage"
	cleaneruc "github.com/Lokeessshhh/rag-everything/internal/usecase/cleaner"
	embeddinguc "github.com/Lokeessshhh/rag-everything/internal/usecase/embedding"
	ingestuc "github.com/Lokeessshhh/rag-everything/internal/usecase/ingest"
	rerankuc "github.com/Lokeessshhh/rag-everything/internal/usecase/rerank"
	retrievaluc "github.com/Lokeessshhh/rag-everything/internal/usecase/retrieval"
	usageuc "github.com/Lokeessshhh/rag-everything/internal/usecase/usage"
	"github.com/Lokeessshhh/rag-everything/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting rag-everything API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create redis store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Redis.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Redis not ready", zap.Error(err))
	}
	logger.Info("Connected to redis")

	// Register pipeline metrics explicitly (no init()).
	metrics.Register()

	vectors, err := qdrantrepo.NewStore(&qdrantrepo.Config{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		CollectionDocs:  cfg.Qdrant.CollectionDocs,
		CollectionChats: cfg.Qdrant.CollectionChats,
		Dimensions:      cfg.Embedding.Dimensions,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Failed to connect to qdrant", zap.Error(err))
	}
	defer func() { _ = vectors.Close() }()

	if err := vectors.EnsureCollections(ctx); err != nil {
		logger.Fatal("Failed to ensure collections", zap.Error(err))
	}
	logger.Info("Connected to qdrant",
		zap.String("host", cfg.Qdrant.Host),
		zap.Int("port", cfg.Qdrant.Port),
	)

	budgetStore := budgetrepo.NewStore(store)

	// One limiter per API key, shared by every caller of that key.
	embLimiter := ratelimit.New("embedding", ratelimit.Limits{
		RPM: cfg.Embedding.Budget.RPM,
		TPM: cfg.Embedding.Budget.TPM,
		TPD: cfg.Embedding.Budget.TPD,
	}, logger).WithStore(ctx, budgetStore)

	limiters := map[string]usageuc.BudgetSnapshotter{"embedding": embLimiter}

	var cleaner *cleaneruc.Service
	if cfg.Cleaner.Enabled {
		cleanerLimiter := ratelimit.New("cleaner", ratelimit.Limits{
			RPM: cfg.Cleaner.Budget.RPM,
			TPM: cfg.Cleaner.Budget.TPM,
			TPD: cfg.Cleaner.Budget.TPD,
		}, logger).WithStore(ctx, budgetStore)
		limiters["cleaner"] = cleanerLimiter
		cleaner = buildCleaner(cfg, cleanerLimiter, logger)
		logger.Info("AI content cleaner enabled", zap.String("model", cfg.Cleaner.Model))
	}

	usageTracker := usageuc.NewTracker(budgetStore, limiters, logger)

	embedder := embeddinguc.New(&embeddinguc.Config{
		Provider: jina.NewClient(&jina.Config{
			Endpoint:   cfg.Embedding.Endpoint,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Logger:     logger,
		}),
		Limiter:           embLimiter,
		Usage:             usageTracker,
		TokenizerEncoding: cfg.Embedding.Tokenizer,
		BatchSize:         cfg.Embedding.BatchSize,
		TPMLimit:          cfg.Embedding.Budget.TPM,
		Logger:            logger,
	})

	// Query embeddings go through the cache when a TTL is configured.
	var queryEmbedder retrievaluc.QueryEmbedder = embedder
	if cfg.Embedding.CacheTTL > 0 {
		queryEmbedder = embcache.New(
			embedder, store, time.Duration(cfg.Embedding.CacheTTL)*time.Second, logger)
		logger.Info("Query embedding cache enabled",
			zap.Int("ttl_sec", cfg.Embedding.CacheTTL))
	}

	var rerankProvider rerankuc.Provider
	if cfg.Reranker.APIKey != "" {
		rerankProvider = voyage.NewClient(&voyage.Config{
			Endpoint: cfg.Reranker.Endpoint,
			APIKey:   cfg.Reranker.APIKey,
			Model:    cfg.Reranker.Model,
			Timeout:  time.Duration(cfg.Reranker.TimeoutSec) * time.Second,
			Logger:   logger,
		})
	} else {
		logger.Warn("No reranker API key, all searches use similarity ranking")
	}
	reranker := rerankuc.New(rerankProvider, logger)

	retriever := retrievaluc.New(&retrievaluc.Config{
		Embedder:       queryEmbedder,
		Searcher:       vectors,
		Reranker:       reranker,
		Usage:          usageTracker,
		TopKSearch:     cfg.Retrieval.TopKSearch,
		TopKRerank:     cfg.Retrieval.TopKRerank,
		ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		Logger:         logger,
	})

	ingester := ingestuc.New(embedder, vectors, cfg.Embedding.Dimensions, logger)

	var ipLimiter *httpapi.IPRateLimiter
	if cfg.RateLimit.Enabled {
		ipLimiter = httpapi.NewIPRateLimiter(
			store,
			cfg.RateLimit.Requests,
			time.Duration(cfg.RateLimit.WindowSec)*time.Second,
			logger,
		)
	}

	// Cleaner is passed as an interface; a typed nil pointer would not
	// compare equal to nil inside the server.
	var cleanerDep httpapi.Cleaner
	if cleaner != nil {
		cleanerDep = cleaner
	}

	server := httpapi.NewServer(retriever, ingester, vectors, usageTracker, store, cleanerDep, ipLimiter, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildCleaner wires the AI content cleaner onto its limiter.
func buildCleaner(cfg config.Config, limiter *ratelimit.Limiter, logger *zap.Logger) *cleaneruc.Service {
	clientCfg := openai.DefaultConfig(cfg.Cleaner.APIKey)
	if cfg.Cleaner.BaseURL != "" {
		clientCfg.BaseURL = cfg.Cleaner.BaseURL
	}

	return cleaneruc.New(&cleaneruc.Config{
		Client:      openai.NewClientWithConfig(clientCfg),
		Limiter:     limiter,
		Model:       cfg.Cleaner.Model,
		MaxTokens:   cfg.Cleaner.MaxTokens,
		Temperature: float32(cfg.Cleaner.Temperature),
		Logger:      logger,
	})
}
