package postgres

import (
	"context"
	"fmt"

	"github.com/sentinelrag/sentinel/internal/repository"
)

// QueryRecordRepo implements repository.QueryRecordRepository
type QueryRecordRepo struct {
	db *DB
}

// NewQueryRecordRepo creates a new query record repository
func NewQueryRecordRepo(db *DB) *QueryRecordRepo {
	return &QueryRecordRepo{db: db}
}

// Create appends one query execution record.
func (r *QueryRecordRepo) Create(ctx context.Context, record *repository.QueryRecord) error {
	query := `
		INSERT INTO query_executions (
			request_id, query, answer, refusal_reason, source_ids,
			embedding_ms, retrieval_ms, rerank_ms, synthesis_ms, total_ms,
			retrieved_count, reranked_count, used_count, budget_violations, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		record.RequestID, record.Query, record.Answer, record.RefusalReason, record.SourceIDs,
		record.EmbeddingMS, record.RetrievalMS, record.RerankMS, record.SynthesisMS, record.TotalMS,
		record.RetrievedCount, record.RerankedCount, record.UsedCount, record.BudgetViolations,
		record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create query record: %w", err)
	}
	return nil
}

// Ensure QueryRecordRepo implements the interface
var _ repository.QueryRecordRepository = (*QueryRecordRepo)(nil)
