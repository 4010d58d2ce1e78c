// Package repository defines domain models and data access interfaces for
// passages and query execution records.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Passage is an immutable chunk of ingested text with its embedding.
// Passages are created by ingestion and removed when their owning
// document is deleted.
type Passage struct {
	ID         uuid.UUID
	DocumentID *uuid.UUID // optional owning document
	Content    string
	Embedding  []float32
	Metadata   map[string]string
	TokenCount int
	CreatedAt  time.Time
}

// SearchHit is a single result from either search capability of the
// passage store. The score scale depends on the capability: keyword
// search yields an unbounded non-negative rank, vector search yields a
// cosine similarity in [0,1].
type SearchHit struct {
	ID         string
	DocumentID string
	Content    string
	Score      float64
	Metadata   map[string]string
}

// QueryRecord captures one pipeline invocation for offline inspection.
// Records are append-only and never read back by the pipeline.
type QueryRecord struct {
	RequestID        uuid.UUID
	Query            string
	Answer           string
	RefusalReason    string
	SourceIDs        []string
	EmbeddingMS      int64
	RetrievalMS      int64
	RerankMS         int64
	SynthesisMS      int64
	TotalMS          int64
	RetrievedCount   int
	RerankedCount    int
	UsedCount        int
	BudgetViolations []string
	CreatedAt        time.Time
}

// PassageRepository defines the passage store's two query capabilities
// plus the ingestion-side operations that keep it populated.
type PassageRepository interface {
	// KeywordSearch performs full-text relevance search over passage
	// content, bounded to limit results, highest rank first.
	KeywordSearch(ctx context.Context, query string, limit int) ([]SearchHit, error)

	// VectorSearch performs nearest-neighbor search over passage
	// embeddings, bounded to limit results, highest similarity first.
	VectorSearch(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)

	// CreatePassages stores a batch of passages.
	CreatePassages(ctx context.Context, passages []*Passage) error

	// DeleteByDocument removes all passages owned by a document and
	// returns how many were deleted.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error)
}

// QueryRecordRepository persists query execution records.
type QueryRecordRepository interface {
	Create(ctx context.Context, record *QueryRecord) error
}
