package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sentinelrag/sentinel/internal/llm"
)

// ErrMalformedResponse is returned when the scorer's backend answered but
// the response could not be turned into one score per input passage. The
// reranker treats this differently from a failed call: the batch falls
// back to default scores without counting against the circuit breaker.
var ErrMalformedResponse = errors.New("malformed scorer response")

// RelevanceScorer scores a batch of passages for relevance to a query.
// Implementations must return exactly one score per input, in input order,
// each in [0,1]; any deviation is a malformed response.
type RelevanceScorer interface {
	ScoreBatch(ctx context.Context, query string, contents []string) ([]float64, error)
}

// maxScoredContentLen truncates passages in the scoring prompt to bound
// token usage.
const maxScoredContentLen = 500

// LLMScorer implements RelevanceScorer with a cross-encoder-style prompt:
// the model sees the query and every passage of the batch together and
// returns a JSON array of scores.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// NewLLMScorer creates a new LLM-based relevance scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		model:     "llama3.2",
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScoreBatch asks the LLM to score each passage's relevance to the query.
// LLM output is untrusted: the response is validated for length and
// numeric range before use.
func (s *LLMScorer) ScoreBatch(ctx context.Context, query string, contents []string) ([]float64, error) {
	if len(contents) == 0 {
		return nil, nil
	}

	prompt := s.buildScoringPrompt(query, contents)

	opts := llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   512,
	}

	response, err := s.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("relevance scoring failed: %w", err)
	}

	return parseScores(response, len(contents))
}

// buildScoringPrompt constructs the batch scoring prompt.
func (s *LLMScorer) buildScoringPrompt(query string, contents []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, content := range contents {
		if len(content) > maxScoredContentLen {
			content = content[:maxScoredContentLen] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, content))
	}

	sb.WriteString(fmt.Sprintf(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY a JSON array of %d numbers in document order, like [0.9, 0.3, 0.7].

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only the JSON array, no explanation:`, len(contents)))

	return sb.String()
}

// parseScores extracts and validates the score array from the raw LLM
// response. The count must match exactly; scores are clamped to [0,1].
func parseScores(response string, want int) ([]float64, error) {
	response = stripCodeFences(response)

	// Tolerate prose around the array by extracting the bracketed part.
	if start := strings.Index(response, "["); start != -1 {
		if end := strings.LastIndex(response, "]"); end > start {
			response = response[start : end+1]
		}
	}

	var scores []float64
	if err := json.Unmarshal([]byte(response), &scores); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(scores) != want {
		return nil, fmt.Errorf("%w: got %d scores, want %d", ErrMalformedResponse, len(scores), want)
	}

	for i, score := range scores {
		if score < 0 {
			scores[i] = 0
		}
		if score > 1 {
			scores[i] = 1
		}
	}

	return scores, nil
}

// stripCodeFences removes a markdown code block wrapper if present.
func stripCodeFences(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	return response
}

// Ensure LLMScorer implements RelevanceScorer interface.
var _ RelevanceScorer = (*LLMScorer)(nil)
