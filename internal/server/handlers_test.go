package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sentinelrag/sentinel/internal/pipeline"
	"github.com/sentinelrag/sentinel/internal/repository"
)

type fakeExecutor struct {
	resp *pipeline.Response
	err  error

	lastQuery string
}

func (f *fakeExecutor) Execute(ctx context.Context, query string) (*pipeline.Response, error) {
	f.lastQuery = query
	return f.resp, f.err
}

type fakeEmbedder struct {
	dim int
	err error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

type fakePassages struct {
	created []*repository.Passage
	deleted int64

	createErr error
	deleteErr error
}

func (f *fakePassages) KeywordSearch(ctx context.Context, query string, limit int) ([]repository.SearchHit, error) {
	return nil, nil
}

func (f *fakePassages) VectorSearch(ctx context.Context, vector []float32, limit int) ([]repository.SearchHit, error) {
	return nil, nil
}

func (f *fakePassages) CreatePassages(ctx context.Context, passages []*repository.Passage) error {
	f.created = append(f.created, passages...)
	return f.createErr
}

func (f *fakePassages) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	return f.deleted, f.deleteErr
}

func queryServer(exec QueryExecutor) http.Handler {
	s := NewHTTPServer(HTTPServerConfig{Port: 0})
	NewQueryHandler(exec).RegisterRoutes(s.Router())
	return s.Router()
}

func documentServer(embed PassageEmbedder, passages repository.PassageRepository) http.Handler {
	s := NewHTTPServer(HTTPServerConfig{Port: 0})
	NewDocumentHandler(embed, passages).RegisterRoutes(s.Router())
	return s.Router()
}

func TestQueryEndpoint_Success(t *testing.T) {
	exec := &fakeExecutor{resp: &pipeline.Response{
		RequestID: uuid.NewString(),
		Query:     "how do I reset?",
		Answer:    "hold the button [1]",
		Sources:   []pipeline.Source{{ID: "p1", Score: 0.9}},
	}}
	handler := queryServer(exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"how do I reset?"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if exec.lastQuery != "how do I reset?" {
		t.Errorf("pipeline received query %q", exec.lastQuery)
	}

	var resp pipeline.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.Answer != "hold the button [1]" {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
}

func TestQueryEndpoint_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid input", fmt.Errorf("%w: query is required", pipeline.ErrInvalidInput), http.StatusBadRequest},
		{"upstream unavailable", fmt.Errorf("%w: store down", pipeline.ErrUpstreamUnavailable), http.StatusServiceUnavailable},
		{"synthesis failed", fmt.Errorf("%w: model not loaded", pipeline.ErrSynthesisFailed), http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := queryServer(&fakeExecutor{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"q"}`))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestQueryEndpoint_BadBody(t *testing.T) {
	handler := queryServer(&fakeExecutor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`not json`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestIngestEndpoint_Success(t *testing.T) {
	passages := &fakePassages{}
	handler := documentServer(&fakeEmbedder{dim: 3}, passages)

	body := `{"passages":[{"content":"first passage"},{"content":"second passage","metadata":{"title":"Guide"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(passages.created) != 2 {
		t.Fatalf("expected 2 passages stored, got %d", len(passages.created))
	}

	// All passages share the generated document ID.
	if passages.created[0].DocumentID == nil || passages.created[1].DocumentID == nil {
		t.Fatal("expected document IDs set")
	}
	if *passages.created[0].DocumentID != *passages.created[1].DocumentID {
		t.Error("expected passages to share one document ID")
	}
	if passages.created[1].Metadata["title"] != "Guide" {
		t.Errorf("metadata not preserved: %v", passages.created[1].Metadata)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp["passage_count"].(float64) != 2 {
		t.Errorf("expected passage_count 2, got %v", resp["passage_count"])
	}
}

func TestIngestEndpoint_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no passages", `{"passages":[]}`},
		{"missing content", `{"passages":[{"content":""}]}`},
		{"bad document id", `{"document_id":"not-a-uuid","passages":[{"content":"x"}]}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := documentServer(&fakeEmbedder{dim: 3}, &fakePassages{})

			req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestIngestEndpoint_EmbedderFailure(t *testing.T) {
	handler := documentServer(&fakeEmbedder{err: errors.New("ollama down")}, &fakePassages{})

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(`{"passages":[{"content":"x"}]}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		deleted    int64
		deleteErr  error
		wantStatus int
	}{
		{"deletes passages", uuid.NewString(), 4, nil, http.StatusOK},
		{"unknown document", uuid.NewString(), 0, nil, http.StatusNotFound},
		{"bad id", "not-a-uuid", 0, nil, http.StatusBadRequest},
		{"store failure", uuid.NewString(), 0, errors.New("down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := documentServer(&fakeEmbedder{dim: 3}, &fakePassages{deleted: tt.deleted, deleteErr: tt.deleteErr})

			req := httptest.NewRequest(http.MethodDelete, "/v1/documents/"+tt.id, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	notReady := errors.New("db unreachable")

	tests := []struct {
		name       string
		path       string
		check      func(context.Context) error
		wantStatus int
	}{
		{"healthz", "/healthz", nil, http.StatusOK},
		{"readyz ready", "/readyz", func(context.Context) error { return nil }, http.StatusOK},
		{"readyz not ready", "/readyz", func(context.Context) error { return notReady }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHTTPServer(HTTPServerConfig{Port: 0, ReadinessCheck: tt.check})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rr := httptest.NewRecorder()
			s.Router().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}
