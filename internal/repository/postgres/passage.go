package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/sentinelrag/sentinel/internal/repository"
)

// PassageRepo implements repository.PassageRepository over PostgreSQL.
// Keyword search uses the tsvector column maintained at insert time;
// vector search uses pgvector cosine distance.
type PassageRepo struct {
	db *DB
}

// NewPassageRepo creates a new passage repository
func NewPassageRepo(db *DB) *PassageRepo {
	return &PassageRepo{db: db}
}

// KeywordSearch performs full-text search ranked by ts_rank_cd.
// Scores are unbounded non-negative ranks, highest first.
func (r *PassageRepo) KeywordSearch(ctx context.Context, query string, limit int) ([]repository.SearchHit, error) {
	sql := `
		SELECT id, COALESCE(document_id::text, ''), content, metadata,
		       ts_rank_cd(search_vector, plainto_tsquery('english', $1)) AS score
		FROM passages
		WHERE search_vector @@ plainto_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, sql, query, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	return scanHits(rows)
}

// VectorSearch performs nearest-neighbor search over passage embeddings.
// Scores are cosine similarities (1 - distance) in [0,1], highest first.
func (r *PassageRepo) VectorSearch(ctx context.Context, vector []float32, limit int) ([]repository.SearchHit, error) {
	sql := `
		SELECT id, COALESCE(document_id::text, ''), content, metadata,
		       1 - (embedding <=> $1) AS score
		FROM passages
		ORDER BY embedding <=> $1
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, sql, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	return scanHits(rows)
}

func scanHits(rows pgx.Rows) ([]repository.SearchHit, error) {
	var hits []repository.SearchHit
	for rows.Next() {
		var hit repository.SearchHit
		var id uuid.UUID
		var metadataJSON []byte
		if err := rows.Scan(&id, &hit.DocumentID, &hit.Content, &metadataJSON, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hit.ID = id.String()
		hit.Metadata = make(map[string]string)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &hit.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows failed: %w", err)
	}
	return hits, nil
}

// CreatePassages stores a batch of passages. The search_vector column is
// computed from the content inside the insert so keyword and vector
// search stay consistent with each other.
func (r *PassageRepo) CreatePassages(ctx context.Context, passages []*repository.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range passages {
		metadataJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal passage metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO passages (id, document_id, content, embedding, search_vector, metadata, token_count, created_at)
			VALUES ($1, $2, $3, $4, to_tsvector('english', $3), $5, $6, $7)
		`, p.ID, p.DocumentID, p.Content, pgvector.NewVector(p.Embedding), metadataJSON, p.TokenCount, p.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range passages {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create passage: %w", err)
		}
	}

	return nil
}

// DeleteByDocument removes all passages owned by a document.
func (r *PassageRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM passages WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete passages: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ensure PassageRepo implements the interface
var _ repository.PassageRepository = (*PassageRepo)(nil)
