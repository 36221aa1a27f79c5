// Package httpapi is the chi HTTP server exposing search, ingestion, source
// management, and usage reporting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
	"github.com/Lokeessshhh/rag-everything/internal/repository/qdrant"
	"github.com/Lokeessshhh/rag-everything/internal/usecase/ingest"
	"github.com/Lokeessshhh/rag-everything/internal/usecase/usage"
)

// Retriever serves search requests. An empty sources slice means no source
// restriction.
type Retriever interface {
	Retrieve(ctx context.Context, query string, sources []string) ([]domain.RankedResult, error)
}

// Ingester serves ingestion and deletion requests.
type Ingester interface {
	IngestText(ctx context.Context, text string, sourceType domain.SourceType, sourceName string, metadata map[string]any) (ingest.Result, error)
	DeleteSource(ctx context.Context, sourceName string) error
}

// SourceLister lists stored sources.
type SourceLister interface {
	Sources(ctx context.Context) ([]qdrant.SourceInfo, error)
}

// UsageReporter assembles the daily usage report.
type UsageReporter interface {
	Report(ctx context.Context) (usage.Report, error)
}

// Cleaner normalizes raw content before ingestion. Optional.
type Cleaner interface {
	Clean(ctx context.Context, raw string) (string, error)
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	retriever Retriever
	ingester  Ingester
	sources   SourceLister
	usage     UsageReporter
	pinger    Pinger
	cleaner   Cleaner        // nil rejects clean:true ingests
	ipLimiter *IPRateLimiter // nil disables per-IP limiting
	logger    *zap.Logger
}

// NewServer creates the HTTP API server.
func NewServer(
	retriever Retriever,
	ingester Ingester,
	sources SourceLister,
	usageReporter UsageReporter,
	pinger Pinger,
	cleaner Cleaner,
	ipLimiter *IPRateLimiter,
	logger *zap.Logger,
) *Server {
	return &Server{
		retriever: retriever,
		ingester:  ingester,
		sources:   sources,
		usage:     usageReporter,
		pinger:    pinger,
		cleaner:   cleaner,
		ipLimiter: ipLimiter,
		logger:    logger,
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.ipLimiter != nil {
			r.Use(s.ipLimiter.Middleware)
		}
		r.Post("/search", s.handleSearch)
		r.Post("/ingest", s.handleIngest)
		r.Get("/sources", s.handleListSources)
		r.Delete("/sources/{name}", s.handleDeleteSource)
		r.Get("/usage", s.handleUsage)
	})

	return r
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}
