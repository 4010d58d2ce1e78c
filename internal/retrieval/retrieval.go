// Package retrieval implements hybrid retrieval: keyword and vector search
// issued concurrently and merged into one ranked, deduplicated candidate list.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sentinelrag/sentinel/internal/repository"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidInput is returned for caller errors: a non-positive limit or a
// query vector whose dimension does not match the passage embeddings.
var ErrInvalidInput = errors.New("invalid retrieval input")

// Provenance tags which search produced a candidate.
type Provenance string

const (
	ProvenanceKeyword Provenance = "keyword"
	ProvenanceVector  Provenance = "vector"
	ProvenanceHybrid  Provenance = "hybrid"
)

// Candidate is a passage with its per-source relevance signals. Candidates
// are produced fresh per query and never persisted.
type Candidate struct {
	ID         string
	DocumentID string
	Content    string
	Metadata   map[string]string

	// KeywordScore is the full-text rank (unbounded non-negative real),
	// zero when the passage came only from vector search.
	KeywordScore float64

	// VectorScore is the cosine similarity in [0,1], zero when the
	// passage came only from keyword search.
	VectorScore float64

	Provenance Provenance
}

// mergeScore orders candidates after the union: a passage found by both
// searches ranks by whichever signal is stronger.
func (c Candidate) mergeScore() float64 {
	if c.KeywordScore > c.VectorScore {
		return c.KeywordScore
	}
	return c.VectorScore
}

// HybridRetriever merges keyword-search and vector-search result sets over
// a passage store. It has no side effects; the output is a pure function
// of its inputs and the store's current content.
type HybridRetriever struct {
	store     repository.PassageRepository
	dimension int
}

// NewHybridRetriever creates a retriever over the given passage store.
// dimension is the store's embedding dimension, used to reject mismatched
// query vectors.
func NewHybridRetriever(store repository.PassageRepository, dimension int) *HybridRetriever {
	return &HybridRetriever{
		store:     store,
		dimension: dimension,
	}
}

// Retrieve issues keyword and vector search concurrently, each bounded to
// limit results, and merges them by passage identifier. If either search
// fails the whole call fails; a partial hybrid result is never returned.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, queryVector []float32, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidInput, limit)
	}
	if len(queryVector) != r.dimension {
		return nil, fmt.Errorf("%w: query vector dimension %d does not match store dimension %d",
			ErrInvalidInput, len(queryVector), r.dimension)
	}

	var keywordHits, vectorHits []repository.SearchHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.store.KeywordSearch(gctx, query, limit)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		keywordHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.store.VectorSearch(gctx, queryVector, limit)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vectorHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeCandidates(keywordHits, vectorHits, limit), nil
}

// mergeCandidates unions the two result sets by passage identifier. A
// passage present in both keeps both scores and is tagged hybrid; a
// passage present in one keeps that score with the other left at zero.
// The union is sorted descending by max(keywordScore, vectorScore) with
// stable ties, then truncated to limit.
func mergeCandidates(keywordHits, vectorHits []repository.SearchHit, limit int) []Candidate {
	byID := make(map[string]int, len(keywordHits)+len(vectorHits))
	merged := make([]Candidate, 0, len(keywordHits)+len(vectorHits))

	for _, hit := range keywordHits {
		byID[hit.ID] = len(merged)
		merged = append(merged, Candidate{
			ID:           hit.ID,
			DocumentID:   hit.DocumentID,
			Content:      hit.Content,
			Metadata:     hit.Metadata,
			KeywordScore: hit.Score,
			Provenance:   ProvenanceKeyword,
		})
	}

	for _, hit := range vectorHits {
		if idx, ok := byID[hit.ID]; ok {
			merged[idx].VectorScore = hit.Score
			merged[idx].Provenance = ProvenanceHybrid
			continue
		}
		byID[hit.ID] = len(merged)
		merged = append(merged, Candidate{
			ID:          hit.ID,
			DocumentID:  hit.DocumentID,
			Content:     hit.Content,
			Metadata:    hit.Metadata,
			VectorScore: hit.Score,
			Provenance:  ProvenanceVector,
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].mergeScore() > merged[j].mergeScore()
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
