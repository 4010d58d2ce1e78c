// Package reranker provides batch LLM relevance reranking with resilience
// to an unreliable scoring backend.
//
// Candidates are scored in fixed-size batches to bound prompt size and
// API-call count. A process-wide circuit breaker tracks backend health;
// while it is open the reranker degrades to a deterministic scoring
// formula over the retrieval-time signals, so callers always get relevance
// scores on the same [0,1] scale regardless of which path produced them.
package reranker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelrag/sentinel/internal/retrieval"
)

// DefaultBatchSize is how many candidates go into one scorer call.
const DefaultBatchSize = 5

// Fallback formula weights: vector similarity is the stronger relevance
// signal, keyword rank the weaker one.
const (
	fallbackVectorWeight  = 0.6
	fallbackKeywordWeight = 0.4
)

// RankedCandidate is a candidate with its single relevance score in [0,1],
// assigned by the LLM scorer or the fallback formula. Downstream consumers
// never need to know which path produced it.
type RankedCandidate struct {
	retrieval.Candidate
	Score float64
}

// ResilientReranker scores candidates via a RelevanceScorer, degrading to
// the deterministic fallback when the scoring backend is unhealthy.
type ResilientReranker struct {
	scorer    RelevanceScorer
	breaker   *CircuitBreaker
	batchSize int
}

// Option is a functional option for configuring ResilientReranker.
type Option func(*ResilientReranker)

// WithBatchSize sets the number of candidates per scorer call.
func WithBatchSize(n int) Option {
	return func(r *ResilientReranker) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewResilientReranker creates a reranker over the given scorer and
// circuit breaker. The breaker is owned by the caller and shared across
// all rerank invocations in the process.
func NewResilientReranker(scorer RelevanceScorer, breaker *CircuitBreaker, opts ...Option) *ResilientReranker {
	r := &ResilientReranker{
		scorer:    scorer,
		breaker:   breaker,
		batchSize: DefaultBatchSize,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Rerank scores the candidates and returns the top topK by descending
// relevance, ties broken by original candidate order. It mutates only the
// circuit breaker state and degrades rather than fails: scorer problems
// surface as fallback scores, never as an error.
func (r *ResilientReranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]RankedCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	if !r.breaker.Allow() {
		return rank(candidates, fallbackScores(candidates), topK), nil
	}

	scores := make([]float64, len(candidates))
	batches := batchRanges(len(candidates), r.batchSize)

	next := 0
	if r.breaker.State() == StateHalfOpen {
		// One trial call probes recovery before fanning out.
		r.scoreBatch(ctx, query, candidates, batches[0], scores)
		if r.breaker.State() == StateOpen {
			slog.Warn("relevance scorer trial call failed, circuit re-opened")
			return rank(candidates, fallbackScores(candidates), topK), nil
		}
		next = 1
	}

	var wg sync.WaitGroup
	for _, b := range batches[next:] {
		wg.Add(1)
		go func(b batchRange) {
			defer wg.Done()
			r.scoreBatch(ctx, query, candidates, b, scores)
		}(b)
	}
	wg.Wait()

	return rank(candidates, scores, topK), nil
}

// batchRange is a half-open index interval into the candidate slice.
type batchRange struct {
	start, end int
}

func batchRanges(n, size int) []batchRange {
	ranges := make([]batchRange, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, batchRange{start: start, end: end})
	}
	return ranges
}

// scoreBatch scores one batch, writing into the shared score slice. Each
// batch owns a disjoint range, so concurrent writes never overlap. Call
// outcomes are recorded on the circuit breaker; a malformed response is a
// completed call and does not count against it.
func (r *ResilientReranker) scoreBatch(ctx context.Context, query string, candidates []retrieval.Candidate, b batchRange, scores []float64) {
	contents := make([]string, 0, b.end-b.start)
	for _, c := range candidates[b.start:b.end] {
		contents = append(contents, c.Content)
	}

	start := time.Now()
	batchScores, err := r.scorer.ScoreBatch(ctx, query, contents)
	latency := time.Since(start)

	if err != nil && !errors.Is(err, ErrMalformedResponse) {
		r.breaker.Record(latency, err)
		slog.Warn("relevance scorer call failed, using fallback scores",
			"error", err,
			"batch_start", b.start,
			"batch_size", b.end-b.start,
		)
		fb := fallbackScores(candidates)
		copy(scores[b.start:b.end], fb[b.start:b.end])
		return
	}

	r.breaker.Record(latency, nil)

	if err != nil {
		slog.Warn("relevance scorer response malformed, using default batch scores",
			"error", err,
			"batch_start", b.start,
		)
		for i := b.start; i < b.end; i++ {
			scores[i] = defaultBatchScore(i - b.start)
		}
		return
	}

	copy(scores[b.start:b.end], batchScores)
}

// defaultBatchScore is the descending default assigned when a batch
// response is malformed: earlier candidates keep their retrieval-order
// advantage.
func defaultBatchScore(i int) float64 {
	score := 1.0 - float64(i)*0.1
	if score < 0 {
		return 0
	}
	return score
}

// fallbackScores computes the deterministic combined score for every
// candidate: 0.6 * normalized vector score + 0.4 * normalized keyword
// score, where each raw score is divided by the maximum of its type
// across the candidate set. Requires no external call.
func fallbackScores(candidates []retrieval.Candidate) []float64 {
	maxKeyword, maxVector := 0.0, 0.0
	for _, c := range candidates {
		if c.KeywordScore > maxKeyword {
			maxKeyword = c.KeywordScore
		}
		if c.VectorScore > maxVector {
			maxVector = c.VectorScore
		}
	}
	// Guard divide-by-zero when a score type is absent from the set.
	if maxKeyword == 0 {
		maxKeyword = 1
	}
	if maxVector == 0 {
		maxVector = 1
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = fallbackVectorWeight*(c.VectorScore/maxVector) +
			fallbackKeywordWeight*(c.KeywordScore/maxKeyword)
	}
	return scores
}

// rank pairs candidates with their scores, sorts descending with stable
// ties, and keeps the top topK.
func rank(candidates []retrieval.Candidate, scores []float64, topK int) []RankedCandidate {
	ranked := make([]RankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = RankedCandidate{Candidate: c, Score: scores[i]}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}
