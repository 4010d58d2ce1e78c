package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sentinelrag/sentinel/internal/repository"
)

type fakeStore struct {
	keywordHits []repository.SearchHit
	vectorHits  []repository.SearchHit
	keywordErr  error
	vectorErr   error

	keywordLimit int
	vectorLimit  int
}

func (f *fakeStore) KeywordSearch(ctx context.Context, query string, limit int) ([]repository.SearchHit, error) {
	f.keywordLimit = limit
	return f.keywordHits, f.keywordErr
}

func (f *fakeStore) VectorSearch(ctx context.Context, vector []float32, limit int) ([]repository.SearchHit, error) {
	f.vectorLimit = limit
	return f.vectorHits, f.vectorErr
}

func (f *fakeStore) CreatePassages(ctx context.Context, passages []*repository.Passage) error {
	return nil
}

func (f *fakeStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	return 0, nil
}

func hit(id string, score float64) repository.SearchHit {
	return repository.SearchHit{ID: id, Content: "content " + id, Score: score}
}

func TestRetrieve_InvalidInput(t *testing.T) {
	r := NewHybridRetriever(&fakeStore{}, 3)

	tests := []struct {
		name   string
		vector []float32
		limit  int
	}{
		{"zero limit", []float32{1, 2, 3}, 0},
		{"negative limit", []float32{1, 2, 3}, -1},
		{"short vector", []float32{1, 2}, 10},
		{"long vector", []float32{1, 2, 3, 4}, 10},
		{"empty vector", nil, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), "query", tt.vector, tt.limit)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRetrieve_MergesByPassageID(t *testing.T) {
	store := &fakeStore{
		keywordHits: []repository.SearchHit{hit("a", 0.8), hit("b", 0.5)},
		vectorHits:  []repository.SearchHit{hit("b", 0.9), hit("c", 0.4)},
	}
	r := NewHybridRetriever(store, 3)

	candidates, err := r.Retrieve(context.Background(), "query", []float32{1, 2, 3}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}

	byID := make(map[string]Candidate)
	for _, c := range candidates {
		byID[c.ID] = c
	}

	b := byID["b"]
	if b.Provenance != ProvenanceHybrid {
		t.Errorf("expected b provenance hybrid, got %s", b.Provenance)
	}
	if b.KeywordScore != 0.5 || b.VectorScore != 0.9 {
		t.Errorf("expected b to keep both scores, got keyword=%v vector=%v", b.KeywordScore, b.VectorScore)
	}

	a := byID["a"]
	if a.Provenance != ProvenanceKeyword {
		t.Errorf("expected a provenance keyword, got %s", a.Provenance)
	}
	if a.VectorScore != 0 {
		t.Errorf("expected a vector score 0, got %v", a.VectorScore)
	}

	c := byID["c"]
	if c.Provenance != ProvenanceVector {
		t.Errorf("expected c provenance vector, got %s", c.Provenance)
	}
	if c.KeywordScore != 0 {
		t.Errorf("expected c keyword score 0, got %v", c.KeywordScore)
	}
}

func TestRetrieve_OrderedByStrongerSignal(t *testing.T) {
	store := &fakeStore{
		keywordHits: []repository.SearchHit{hit("kw", 12.5)}, // ts_rank is unbounded
		vectorHits:  []repository.SearchHit{hit("vec", 0.95), hit("kw", 0.1)},
	}
	r := NewHybridRetriever(store, 3)

	candidates, err := r.Retrieve(context.Background(), "query", []float32{1, 2, 3}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// kw ranks by its keyword score 12.5, ahead of vec's 0.95.
	if candidates[0].ID != "kw" {
		t.Errorf("expected kw first, got %s", candidates[0].ID)
	}
	if candidates[1].ID != "vec" {
		t.Errorf("expected vec second, got %s", candidates[1].ID)
	}
}

func TestRetrieve_ExactIdentifierMatch(t *testing.T) {
	// A part-number query matches the keyword index exactly but may sit
	// far from the query in embedding space. The exact match must survive
	// the merge at full strength.
	store := &fakeStore{
		keywordHits: []repository.SearchHit{hit("sku-passage", 4.2)},
		vectorHits:  []repository.SearchHit{hit("generic-1", 0.71), hit("generic-2", 0.64)},
	}
	r := NewHybridRetriever(store, 3)

	candidates, err := r.Retrieve(context.Background(), "error code SKU-4471", []float32{1, 2, 3}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if candidates[0].ID != "sku-passage" {
		t.Errorf("expected exact keyword match first, got %s", candidates[0].ID)
	}
	if candidates[0].Provenance != ProvenanceKeyword {
		t.Errorf("expected keyword provenance, got %s", candidates[0].Provenance)
	}
}

func TestRetrieve_TruncatesToLimit(t *testing.T) {
	store := &fakeStore{
		keywordHits: []repository.SearchHit{hit("a", 5), hit("b", 4), hit("c", 3)},
		vectorHits:  []repository.SearchHit{hit("d", 0.9), hit("e", 0.8)},
	}
	r := NewHybridRetriever(store, 3)

	candidates, err := r.Retrieve(context.Background(), "query", []float32{1, 2, 3}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates after truncation, got %d", len(candidates))
	}
	if candidates[0].ID != "a" || candidates[1].ID != "b" {
		t.Errorf("expected top scorers a, b; got %s, %s", candidates[0].ID, candidates[1].ID)
	}

	// Each underlying search sees the same limit.
	if store.keywordLimit != 2 || store.vectorLimit != 2 {
		t.Errorf("expected limit 2 passed to both searches, got keyword=%d vector=%d",
			store.keywordLimit, store.vectorLimit)
	}
}

func TestRetrieve_EitherSearchFailureFailsCall(t *testing.T) {
	searchErr := errors.New("store down")

	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"keyword fails", &fakeStore{keywordErr: searchErr, vectorHits: []repository.SearchHit{hit("a", 0.9)}}},
		{"vector fails", &fakeStore{vectorErr: searchErr, keywordHits: []repository.SearchHit{hit("a", 0.9)}}},
		{"both fail", &fakeStore{keywordErr: searchErr, vectorErr: searchErr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewHybridRetriever(tt.store, 3)
			_, err := r.Retrieve(context.Background(), "query", []float32{1, 2, 3}, 10)
			if !errors.Is(err, searchErr) {
				t.Errorf("expected search error to propagate, got %v", err)
			}
		})
	}
}

func TestRetrieve_EmptyResults(t *testing.T) {
	r := NewHybridRetriever(&fakeStore{}, 3)

	candidates, err := r.Retrieve(context.Background(), "query", []float32{1, 2, 3}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates, got %d", len(candidates))
	}
}
