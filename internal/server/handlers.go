package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sentinelrag/sentinel/internal/pipeline"
	"github.com/sentinelrag/sentinel/internal/repository"
)

// QueryExecutor runs one query through the pipeline.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) (*pipeline.Response, error)
}

// PassageEmbedder embeds passage batches for ingestion.
type PassageEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryHandler serves the query API
type QueryHandler struct {
	pipeline QueryExecutor
}

// NewQueryHandler creates a query handler over the pipeline
func NewQueryHandler(p QueryExecutor) *QueryHandler {
	return &QueryHandler{pipeline: p}
}

// RegisterRoutes registers the query routes
func (h *QueryHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/query", h.Query)
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query runs the full pipeline for one question
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.pipeline.Execute(r.Context(), req.Query)
	if err != nil {
		requestID := middleware.GetReqID(r.Context())
		switch {
		case errors.Is(err, pipeline.ErrInvalidInput):
			writeRequestError(w, http.StatusBadRequest, err.Error(), requestID)
		case errors.Is(err, pipeline.ErrUpstreamUnavailable):
			slog.Error("query pipeline failed", "request_id", requestID, "error", err)
			writeRequestError(w, http.StatusServiceUnavailable, "service temporarily unavailable", requestID)
		default:
			slog.Error("query pipeline failed", "request_id", requestID, "error", err)
			writeRequestError(w, http.StatusInternalServerError, "query failed", requestID)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// DocumentHandler serves passage ingestion and deletion
type DocumentHandler struct {
	embedder PassageEmbedder
	passages repository.PassageRepository
}

// NewDocumentHandler creates a document handler
func NewDocumentHandler(embedder PassageEmbedder, passages repository.PassageRepository) *DocumentHandler {
	return &DocumentHandler{
		embedder: embedder,
		passages: passages,
	}
}

// RegisterRoutes registers the document routes
func (h *DocumentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/documents", h.Ingest)
	r.Delete("/v1/documents/{id}", h.Delete)
}

type ingestPassage struct {
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TokenCount int               `json:"token_count,omitempty"`
}

type ingestRequest struct {
	DocumentID string          `json:"document_id,omitempty"`
	Passages   []ingestPassage `json:"passages"`
}

// Ingest embeds and stores a batch of pre-chunked passages. Passages for
// one document share a document_id so they can be deleted together.
func (h *DocumentHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Passages) == 0 {
		writeError(w, http.StatusBadRequest, "passages is required")
		return
	}
	for _, p := range req.Passages {
		if p.Content == "" {
			writeError(w, http.StatusBadRequest, "passage content is required")
			return
		}
	}

	documentID := uuid.New()
	if req.DocumentID != "" {
		parsed, err := uuid.Parse(req.DocumentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "document_id must be a UUID")
			return
		}
		documentID = parsed
	}

	start := time.Now()

	texts := make([]string, len(req.Passages))
	for i, p := range req.Passages {
		texts[i] = p.Content
	}

	embeddings, err := h.embedder.EmbedBatch(r.Context(), texts)
	if err != nil {
		slog.Error("failed to embed passages", "document_id", documentID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "embedding provider unavailable")
		return
	}

	now := time.Now().UTC()
	stored := make([]*repository.Passage, len(req.Passages))
	for i, p := range req.Passages {
		stored[i] = &repository.Passage{
			ID:         uuid.New(),
			DocumentID: &documentID,
			Content:    p.Content,
			Embedding:  embeddings[i],
			Metadata:   p.Metadata,
			TokenCount: p.TokenCount,
			CreatedAt:  now,
		}
	}

	if err := h.passages.CreatePassages(r.Context(), stored); err != nil {
		slog.Error("failed to store passages", "document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store passages")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id":   documentID.String(),
		"passage_count": len(stored),
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})
}

// Delete removes every passage belonging to a document
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	documentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "document id must be a UUID")
		return
	}

	deleted, err := h.passages.DeleteByDocument(r.Context(), documentID)
	if err != nil {
		slog.Error("failed to delete document passages", "document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	if deleted == 0 {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":      documentID.String(),
		"deleted_passages": deleted,
	})
}
