// Package api exposes the pipeline over HTTP and MCP. All HTTP routes sit
// behind bearer authentication except the health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groundgen/groundgen/internal/compose"
	"github.com/groundgen/groundgen/internal/index"
	"github.com/groundgen/groundgen/internal/pipeline"
	"github.com/groundgen/groundgen/internal/retrieval"
	"github.com/groundgen/groundgen/internal/source"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Retriever abstracts verified-context search for the API layer.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]index.Match, error)
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Sources   *source.Manager
	Pipeline  *pipeline.Pipeline
	Retriever Retriever
	Composer  *compose.Composer
	Token     string
	TopK      int
}

// NewHandler builds the authenticated application router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sources", handleAddSource(deps))
		r.Get("/sources", handleListSources(deps))
		r.Post("/sources/{id}/verify", handleVerifySource(deps))
		r.Get("/sources/{id}/log", handleSourceLog(deps))
		r.Get("/log", handleLog(deps))
		r.Post("/ingest", handleIngest(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/generate", handleGenerate(deps))
	})

	return r
}

// SourceRequest registers a source. Exactly one of url or path is required.
type SourceRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
	Path string `json:"path"`
}

// SourceResponse is the wire form of a registered source and its latest
// verification state.
type SourceResponse struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	URL            string    `json:"url,omitempty"`
	Path           string    `json:"path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Verified       bool      `json:"verified"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitempty"`
	LastHash       string    `json:"last_hash,omitempty"`
}

func handleAddSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		src, err := deps.Sources.Add(source.Source{
			ID:   req.ID,
			Kind: source.Kind(req.Kind),
			URL:  req.URL,
			Path: req.Path,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		writeJSON(w, SourceResponse{
			ID:        src.ID,
			Kind:      string(src.Kind),
			URL:       src.URL,
			Path:      src.Path,
			CreatedAt: src.CreatedAt,
		})
	}
}

func handleListSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := deps.Sources.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}

		out := make([]SourceResponse, len(statuses))
		for i, st := range statuses {
			out[i] = SourceResponse{
				ID:             st.Source.ID,
				Kind:           string(st.Source.Kind),
				URL:            st.Source.URL,
				Path:           st.Source.Path,
				CreatedAt:      st.Source.CreatedAt,
				Verified:       st.Verified,
				LastVerifiedAt: st.LastVerifiedAt,
				LastHash:       st.LastHash,
			}
		}
		writeJSON(w, out)
	}
}

func handleVerifySource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		vs, err := deps.Sources.Verify(r.Context(), id)
		if errors.Is(err, source.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if errors.Is(err, source.ErrSourceUnavailable) {
			httpError(w, http.StatusBadGateway, "api_error", "source unavailable: %v", err)
			return
		}
		if errors.Is(err, source.ErrSourceEmpty) {
			httpError(w, http.StatusUnprocessableEntity, "invalid_source", "source has no content")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "verification failed: %v", err)
			return
		}

		writeJSON(w, vs.Record())
	}
}

// LogEntryResponse is the wire form of one verification log row.
type LogEntryResponse struct {
	Seq      int64                     `json:"seq"`
	SourceID string                    `json:"source_id"`
	Record   source.VerificationRecord `json:"record"`
	LoggedAt time.Time                 `json:"logged_at"`
}

func logResponse(entries []source.LogEntry) []LogEntryResponse {
	out := make([]LogEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = LogEntryResponse{
			Seq:      e.Seq,
			SourceID: e.SourceID,
			Record:   e.Record,
			LoggedAt: e.LoggedAt,
		}
	}
	return out
}

func handleSourceLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entries, err := deps.Sources.Log(id)
		if errors.Is(err, source.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load log: %v", err)
			return
		}
		writeJSON(w, logResponse(entries))
	}
}

func handleLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Sources.LogAll()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load log: %v", err)
			return
		}
		writeJSON(w, logResponse(entries))
	}
}

// IngestRequest runs the full pipeline over the named sources.
type IngestRequest struct {
	Items []pipeline.IngestItem `json:"items"`
}

// IngestItemResponse is one source's outcome, error flattened to a string.
type IngestItemResponse struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks"`
	Vectors  int    `json:"vectors"`
	Error    string `json:"error,omitempty"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "items is required")
			return
		}
		for i, item := range req.Items {
			if item.SourceID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "items[%d] missing source_id", i)
				return
			}
		}

		results := deps.Pipeline.IngestAll(r.Context(), req.Items)
		out := make([]IngestItemResponse, len(results))
		for i, res := range results {
			out[i] = IngestItemResponse{
				SourceID: res.SourceID,
				Chunks:   res.Chunks,
				Vectors:  res.Vectors,
			}
			if res.Err != nil {
				out[i].Error = res.Err.Error()
			}
		}
		writeJSON(w, out)
	}
}

// QueryRequest searches verified context.
type QueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// QueryMatch is one verified match on the wire.
type QueryMatch struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Metadata index.Metadata `json:"metadata"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		topK := req.TopK
		if topK <= 0 {
			topK = deps.TopK
		}
		if topK <= 0 {
			topK = 5
		}

		matches, err := deps.Retriever.Retrieve(r.Context(), req.Query, topK)
		if errors.Is(err, retrieval.ErrNoVerifiedMatches) {
			httpError(w, http.StatusNotFound, "not_found", "no verified context matches the query")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "query failed: %v", err)
			return
		}

		out := make([]QueryMatch, len(matches))
		for i, m := range matches {
			out[i] = QueryMatch{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
		}
		writeJSON(w, out)
	}
}

// GenerateRequest drives document generation. Empty sections means the
// default outline.
type GenerateRequest struct {
	Sections []compose.Section `json:"sections"`
}

// GenerateResponse carries the per-section results and the rendered report.
type GenerateResponse struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Results     []compose.SectionResult `json:"results"`
	Markdown    string                  `json:"markdown"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		sections := req.Sections
		if len(sections) == 0 {
			sections = compose.DefaultSections()
		}
		for i, sec := range sections {
			if sec.Name == "" || sec.Requirements == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "sections[%d] requires name and requirements", i)
				return
			}
		}

		doc := deps.Composer.GenerateDocument(r.Context(), sections)
		writeJSON(w, GenerateResponse{
			GeneratedAt: doc.GeneratedAt,
			Results:     doc.Results,
			Markdown:    doc.Markdown(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
