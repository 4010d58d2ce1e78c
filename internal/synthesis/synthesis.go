// Package synthesis builds the grounded generation prompt, invokes the
// answer generator, and detects refusals.
package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinelrag/sentinel/internal/llm"
	"github.com/sentinelrag/sentinel/internal/reranker"
)

// RefusalSentence is the fixed sentence the generator is instructed to
// produce when the supplied context is insufficient. It deliberately
// contains one of the refusal phrases so detection stays reliable.
const RefusalSentence = "I don't have enough information in the provided context to answer this question."

// refusalPhrases are matched case-insensitively against the generated
// text. Matching any of them marks the result as a refusal; the text
// itself is still returned verbatim.
var refusalPhrases = []string{
	"don't have enough information",
	"do not have enough information",
	"insufficient information",
	"cannot answer",
	"not enough context",
	"unable to answer",
}

// systemPrompt enforces the strict-grounding policy.
const systemPrompt = `You are a precise question-answering assistant.
Answer using ONLY the information in the numbered context documents below.
Cite documents by their [n] markers where relevant.
If the context does not contain the information needed to answer, reply with exactly this sentence and nothing else: "` + RefusalSentence + `"`

// Result is the outcome of one synthesis call. SourceIDs always lists
// every passage placed in context, in rank order, regardless of which
// ones the generator actually cited: attribution is "what was shown",
// since "what was used" cannot be verified from free text.
type Result struct {
	Answer    string
	SourceIDs []string
	Refused   bool
}

// Synthesizer generates grounded answers over ranked context passages.
type Synthesizer struct {
	llmClient   llm.LLM
	model       string
	temperature float32
	maxTokens   int
}

// Option is a functional option for configuring Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the generation model.
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithTemperature sets the generation temperature.
func WithTemperature(t float32) Option {
	return func(s *Synthesizer) {
		s.temperature = t
	}
}

// WithMaxTokens limits the generated answer length.
func WithMaxTokens(n int) Option {
	return func(s *Synthesizer) {
		s.maxTokens = n
	}
}

// NewSynthesizer creates a synthesizer over the given LLM client.
func NewSynthesizer(llmClient llm.LLM, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		llmClient:   llmClient,
		model:       "llama3.2",
		temperature: 0.3, // Low temperature for factual, deterministic answers
		maxTokens:   1024,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Synthesize generates an answer grounded in the ranked context. There is
// no local fallback for generation failures: free-text answers have no
// safe deterministic substitute, so errors propagate to the caller.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, rankedContext []reranker.RankedCandidate) (*Result, error) {
	prompt := buildPrompt(query, rankedContext)

	answer, err := s.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:        s.model,
		SystemPrompt: systemPrompt,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	sourceIDs := make([]string, len(rankedContext))
	for i, c := range rankedContext {
		sourceIDs[i] = c.ID
	}

	return &Result{
		Answer:    answer,
		SourceIDs: sourceIDs,
		Refused:   IsRefusal(answer),
	}, nil
}

// buildPrompt embeds the query and the context passages in rank order,
// each tagged with a positional citation marker.
func buildPrompt(query string, rankedContext []reranker.RankedCandidate) string {
	var sb strings.Builder

	sb.WriteString("## Context Documents\n\n")
	for i, c := range rankedContext {
		sb.WriteString(fmt.Sprintf("[%d]", i+1))
		if title := c.Metadata["title"]; title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", title))
		}
		if source := c.Metadata["source"]; source != "" {
			sb.WriteString(fmt.Sprintf(" (Source: %s)", source))
		}
		sb.WriteString("\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("## Answer (be brief and direct)\n")

	return sb.String()
}

// IsRefusal reports whether generated text matches the refusal-phrase
// heuristic. Matching is substring-based and case-insensitive.
func IsRefusal(answer string) bool {
	lower := strings.ToLower(answer)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
