package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/usecase/retrieval"
)

type searchRequest struct {
	Query          string   `json:"query"`
	Sources        []string `json:"sources,omitempty"` // restrict to these source names
	IncludeContext bool     `json:"include_context"`
}

type searchResultItem struct {
	Text            string         `json:"text"`
	SourceType      string         `json:"source_type"`
	SourceName      string         `json:"source_name"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Similarity      float64        `json:"similarity"`
	RerankScore     float64        `json:"rerank_score"`
	IsFallbackScore bool           `json:"is_fallback_score"`
}

type searchResponse struct {
	Results []searchResultItem `json:"results"`
	Context string             `json:"context,omitempty"`
}

type ingestRequest struct {
	Text       string         `json:"text"`
	SourceType string         `json:"source_type"`
	SourceName string         `json:"source_name"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Clean      bool           `json:"clean,omitempty"` // run the AI cleaner first
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSearch handles POST /api/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := s.retriever.Retrieve(r.Context(), req.Query, req.Sources)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]searchResultItem, len(results))
	for i, res := range results {
		items[i] = searchResultItem{
			Text:            res.Fragment.Text,
			SourceType:      string(res.Fragment.SourceType),
			SourceName:      res.Fragment.SourceName,
			Metadata:        res.Fragment.Metadata,
			Similarity:      res.Similarity,
			RerankScore:     res.RerankScore,
			IsFallbackScore: res.IsFallback,
		}
	}

	resp := searchResponse{Results: items}
	if req.IncludeContext {
		resp.Context = retrieval.BuildContext(results)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngest handles POST /api/ingest.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SourceName == "" {
		writeError(w, http.StatusBadRequest, "source_name is required")
		return
	}
	sourceType := domain.SourceType(req.SourceType)
	if sourceType == "" {
		sourceType = domain.SourceText
	}

	text := req.Text
	if req.Clean {
		if s.cleaner == nil {
			writeError(w, http.StatusBadRequest, "content cleaning is not enabled")
			return
		}
		cleaned, err := s.cleaner.Clean(r.Context(), text)
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		text = cleaned
	}

	res, err := s.ingester.IngestText(r.Context(), text, sourceType, req.SourceName, req.Metadata)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleListSources handles GET /api/sources.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.sources.Sources(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// handleDeleteSource handles DELETE /api/sources/{name}.
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "source name is required")
		return
	}

	if err := s.ingester.DeleteSource(r.Context(), name); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUsage handles GET /api/usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.usage.Report(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "kv store unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDomainError maps sentinel errors to HTTP statuses. Messages expose
// only sentinel text, never wrapped internals.
func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("Request failed", zap.Error(err))

	switch {
	case errors.Is(err, domain.ErrEmptyText):
		writeError(w, http.StatusBadRequest, domain.ErrEmptyText.Error())
	case errors.Is(err, domain.ErrNoContent):
		writeError(w, http.StatusBadRequest, domain.ErrNoContent.Error())
	case errors.Is(err, domain.ErrDailyQuotaExhausted):
		writeError(w, http.StatusPaymentRequired, domain.ErrDailyQuotaExhausted.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, domain.ErrRateLimited.Error())
	case errors.Is(err, domain.ErrProviderUnavailable), errors.Is(err, domain.ErrMalformedResponse):
		writeError(w, http.StatusBadGateway, domain.ErrProviderUnavailable.Error())
	default:
		s.logger.Error("Internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
