// Package pipeline orchestrates the query pipeline: embedding, hybrid
// retrieval, resilient reranking, and grounded synthesis, with per-stage
// latency measurement, advisory budgets, and graceful degradation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelrag/sentinel/internal/repository"
	"github.com/sentinelrag/sentinel/internal/reranker"
	"github.com/sentinelrag/sentinel/internal/retrieval"
	"github.com/sentinelrag/sentinel/internal/synthesis"
)

// Error taxonomy. Only these sentinels reach the caller as failures;
// degraded scoring and refusals are absorbed into successful responses.
var (
	// ErrInvalidInput marks caller errors: malformed query or mismatched
	// vector dimension. Surfaced immediately, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamUnavailable marks an aborted request: the embedding
	// provider or the passage store failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrSynthesisFailed marks a generation failure. Free-text answers
	// have no safe deterministic substitute, so there is no fallback. It
	// wraps ErrUpstreamUnavailable: callers matching the broader category
	// treat both the same.
	ErrSynthesisFailed = fmt.Errorf("%w: synthesis failed", ErrUpstreamUnavailable)
)

// Stage names used in latency budgets and violation lists.
const (
	StageEmbedding = "embedding"
	StageRetrieval = "retrieval"
	StageReranking = "reranking"
	StageSynthesis = "synthesis"
	StageTotal     = "total"
)

// RefusalReasonInsufficientContext is set on responses whose generated
// answer matched the refusal heuristic.
const RefusalReasonInsufficientContext = "insufficient_context"

// Budgets holds per-stage latency budgets. Budgets are observability
// signals, not deadlines: exceeding one records a violation and logs a
// warning but never aborts the request. Zero means unbounded.
type Budgets struct {
	Embedding time.Duration
	Retrieval time.Duration
	Reranking time.Duration
	Synthesis time.Duration
	Total     time.Duration
}

// DefaultBudgets returns the standard stage budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Embedding: 0, // unbounded
		Retrieval: 200 * time.Millisecond,
		Reranking: 500 * time.Millisecond,
		Synthesis: 3 * time.Second,
		Total:     5 * time.Second,
	}
}

// Source describes one context passage in the response.
type Source struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// Latency holds per-stage wall-clock durations in milliseconds.
type Latency struct {
	TotalMS     int64 `json:"total_ms"`
	EmbeddingMS int64 `json:"embedding_ms"`
	RetrievalMS int64 `json:"retrieval_ms"`
	RerankingMS int64 `json:"reranking_ms"`
	SynthesisMS int64 `json:"synthesis_ms"`
}

// CandidateCounts tracks how many candidates survived each stage.
type CandidateCounts struct {
	Retrieved int `json:"retrieved"`
	Reranked  int `json:"reranked"`
	Used      int `json:"used"`
}

// Response is the structured result exposed to the caller.
type Response struct {
	RequestID        string          `json:"request_id"`
	Query            string          `json:"query"`
	Answer           string          `json:"answer"`
	RefusalReason    string          `json:"refusal_reason,omitempty"`
	Sources          []Source        `json:"sources"`
	Latency          Latency         `json:"latency"`
	CandidateCounts  CandidateCounts `json:"candidate_counts"`
	BudgetViolations []string        `json:"budget_violations"`
}

// Embedder is the slice of the embedding provider the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever produces the merged candidate list for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, queryVector []float32, limit int) ([]retrieval.Candidate, error)
}

// Reranker assigns relevance scores and keeps the top candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]reranker.RankedCandidate, error)
}

// Synthesizer generates the grounded answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, rankedContext []reranker.RankedCandidate) (*synthesis.Result, error)
}

// Pipeline sequences the query stages. One coordinating task handles each
// request; internal parallelism lives inside the retriever (two searches)
// and the reranker (score batches).
type Pipeline struct {
	embedder    Embedder
	retriever   Retriever
	reranker    Reranker
	synthesizer Synthesizer

	// records is optional; query execution records are best-effort.
	records repository.QueryRecordRepository

	budgets       Budgets
	retrieveLimit int
	topK          int
}

// Config wires a Pipeline.
type Config struct {
	Embedder    Embedder
	Retriever   Retriever
	Reranker    Reranker
	Synthesizer Synthesizer

	// Records receives one query execution record per run; nil disables
	// persistence. Write failures are logged and swallowed.
	Records repository.QueryRecordRepository

	// Budgets default to DefaultBudgets when zero-valued.
	Budgets Budgets

	// RetrieveLimit bounds each underlying search (default 20).
	RetrieveLimit int

	// TopK bounds the reranked context (default 5).
	TopK int
}

// New creates a pipeline from the given collaborators.
func New(cfg Config) *Pipeline {
	budgets := cfg.Budgets
	if budgets == (Budgets{}) {
		budgets = DefaultBudgets()
	}
	retrieveLimit := cfg.RetrieveLimit
	if retrieveLimit <= 0 {
		retrieveLimit = 20
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	return &Pipeline{
		embedder:      cfg.Embedder,
		retriever:     cfg.Retriever,
		reranker:      cfg.Reranker,
		synthesizer:   cfg.Synthesizer,
		records:       cfg.Records,
		budgets:       budgets,
		retrieveLimit: retrieveLimit,
		topK:          topK,
	}
}

// Execute runs the full pipeline for one query. Stage order is fixed:
// embedding, retrieval, reranking, synthesis. Embedding, retrieval, and
// synthesis failures abort the request; a reranking failure degrades to
// the raw retrieval order and the request continues.
func (p *Pipeline) Execute(ctx context.Context, query string) (*Response, error) {
	requestID := uuid.New().String()
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}

	var violations []string

	// Stage 1: embed the query.
	embedStart := time.Now()
	queryVector, err := p.embedder.Embed(ctx, query)
	embedDur := time.Since(embedStart)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrUpstreamUnavailable, err)
	}
	p.checkBudget(requestID, StageEmbedding, embedDur, p.budgets.Embedding, &violations)

	// Stage 2: hybrid retrieval.
	retrievalStart := time.Now()
	candidates, err := p.retriever.Retrieve(ctx, query, queryVector, p.retrieveLimit)
	retrievalDur := time.Since(retrievalStart)
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("%w: retrieving candidates: %v", ErrUpstreamUnavailable, err)
	}
	p.checkBudget(requestID, StageRetrieval, retrievalDur, p.budgets.Retrieval, &violations)

	// Stage 3: reranking. A failure here (including a panic inside the
	// reranker) degrades to the raw retrieval order instead of aborting.
	rerankStart := time.Now()
	ranked, rerankErr := p.safeRerank(ctx, query, candidates)
	rerankDur := time.Since(rerankStart)
	if rerankErr != nil {
		slog.Warn("reranking failed, degrading to retrieval order",
			"request_id", requestID,
			"error", rerankErr,
		)
		ranked = syntheticRank(candidates, p.topK)
	}
	p.checkBudget(requestID, StageReranking, rerankDur, p.budgets.Reranking, &violations)

	// Stage 4: grounded synthesis.
	synthesisStart := time.Now()
	result, err := p.synthesizer.Synthesize(ctx, query, ranked)
	synthesisDur := time.Since(synthesisStart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	p.checkBudget(requestID, StageSynthesis, synthesisDur, p.budgets.Synthesis, &violations)

	totalDur := time.Since(start)
	p.checkBudget(requestID, StageTotal, totalDur, p.budgets.Total, &violations)

	sources := make([]Source, len(ranked))
	for i, rc := range ranked {
		sources[i] = Source{
			ID:       rc.ID,
			Content:  rc.Content,
			Score:    rc.Score,
			Metadata: rc.Metadata,
		}
	}

	refusalReason := ""
	if result.Refused {
		refusalReason = RefusalReasonInsufficientContext
	}

	resp := &Response{
		RequestID:     requestID,
		Query:         query,
		Answer:        result.Answer,
		RefusalReason: refusalReason,
		Sources:       sources,
		Latency: Latency{
			TotalMS:     totalDur.Milliseconds(),
			EmbeddingMS: embedDur.Milliseconds(),
			RetrievalMS: retrievalDur.Milliseconds(),
			RerankingMS: rerankDur.Milliseconds(),
			SynthesisMS: synthesisDur.Milliseconds(),
		},
		CandidateCounts: CandidateCounts{
			Retrieved: len(candidates),
			Reranked:  len(ranked),
			Used:      len(result.SourceIDs),
		},
		BudgetViolations: violations,
	}

	p.persistRecord(resp, result.SourceIDs)

	return resp, nil
}

// safeRerank guards the reranker call: an error return or a panic both
// surface as an error so the orchestrator can degrade instead of crashing
// the request.
func (p *Pipeline) safeRerank(ctx context.Context, query string, candidates []retrieval.Candidate) (ranked []reranker.RankedCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			ranked = nil
			err = fmt.Errorf("reranker panic: %v", r)
		}
	}()
	return p.reranker.Rerank(ctx, query, candidates, p.topK)
}

// syntheticRank substitutes the top-K raw retrieval candidates with
// descending synthetic scores when reranking is unavailable.
func syntheticRank(candidates []retrieval.Candidate, topK int) []reranker.RankedCandidate {
	if topK > len(candidates) {
		topK = len(candidates)
	}
	ranked := make([]reranker.RankedCandidate, topK)
	for i := 0; i < topK; i++ {
		score := 1.0 - float64(i)*0.1
		if score < 0 {
			score = 0
		}
		ranked[i] = reranker.RankedCandidate{Candidate: candidates[i], Score: score}
	}
	return ranked
}

// checkBudget records and logs a budget violation. Budgets never abort
// the request.
func (p *Pipeline) checkBudget(requestID, stage string, dur, budget time.Duration, violations *[]string) {
	if budget > 0 && dur > budget {
		*violations = append(*violations, stage)
		slog.Warn("stage exceeded latency budget",
			"request_id", requestID,
			"stage", stage,
			"duration_ms", dur.Milliseconds(),
			"budget_ms", budget.Milliseconds(),
		)
	}
}

// persistRecord writes the query execution record asynchronously so it
// never fails or delays the response. Errors are logged and swallowed.
func (p *Pipeline) persistRecord(resp *Response, sourceIDs []string) {
	if p.records == nil {
		return
	}

	requestID, err := uuid.Parse(resp.RequestID)
	if err != nil {
		requestID = uuid.New()
	}

	record := &repository.QueryRecord{
		RequestID:        requestID,
		Query:            resp.Query,
		Answer:           resp.Answer,
		RefusalReason:    resp.RefusalReason,
		SourceIDs:        sourceIDs,
		EmbeddingMS:      resp.Latency.EmbeddingMS,
		RetrievalMS:      resp.Latency.RetrievalMS,
		RerankMS:         resp.Latency.RerankingMS,
		SynthesisMS:      resp.Latency.SynthesisMS,
		TotalMS:          resp.Latency.TotalMS,
		RetrievedCount:   resp.CandidateCounts.Retrieved,
		RerankedCount:    resp.CandidateCounts.Reranked,
		UsedCount:        resp.CandidateCounts.Used,
		BudgetViolations: resp.BudgetViolations,
		CreatedAt:        time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.records.Create(ctx, record); err != nil {
			slog.Warn("failed to persist query execution record",
				"request_id", resp.RequestID,
				"error", err,
			)
		}
	}()
}
