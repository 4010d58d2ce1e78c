package reranker

import (
	"context"
	"errors"
	"testing"

	"github.com/sentinelrag/sentinel/internal/llm"
)

// fakeLLM returns a canned response or error.
type fakeLLM struct {
	response string
	err      error

	lastPrompt string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	f.lastPrompt = prompt
	return f.response, f.err
}

func TestParseScores(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     int
		expected []float64
		wantErr  bool
	}{
		{
			name:     "plain array",
			response: "[0.9, 0.3, 0.7]",
			want:     3,
			expected: []float64{0.9, 0.3, 0.7},
		},
		{
			name:     "json code fence",
			response: "```json\n[0.5, 0.6]\n```",
			want:     2,
			expected: []float64{0.5, 0.6},
		},
		{
			name:     "bare code fence",
			response: "```\n[1.0]\n```",
			want:     1,
			expected: []float64{1.0},
		},
		{
			name:     "prose around array",
			response: "Here are the scores: [0.2, 0.8] as requested.",
			want:     2,
			expected: []float64{0.2, 0.8},
		},
		{
			name:     "clamps out of range",
			response: "[1.5, -0.3, 0.5]",
			want:     3,
			expected: []float64{1, 0, 0.5},
		},
		{
			name:     "count mismatch",
			response: "[0.9, 0.3]",
			want:     3,
			wantErr:  true,
		},
		{
			name:     "not json",
			response: "the first document is most relevant",
			want:     2,
			wantErr:  true,
		},
		{
			name:     "empty response",
			response: "",
			want:     1,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores, err := parseScores(tt.response, tt.want)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected ErrMalformedResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(scores) != len(tt.expected) {
				t.Fatalf("expected %d scores, got %d", len(tt.expected), len(scores))
			}
			for i := range scores {
				if scores[i] != tt.expected[i] {
					t.Errorf("score %d = %v, expected %v", i, scores[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLLMScorer_ScoreBatch(t *testing.T) {
	client := &fakeLLM{response: "[0.9, 0.1]"}
	scorer := NewLLMScorer(client)

	scores, err := scorer.ScoreBatch(context.Background(), "how to reset password",
		[]string{"password reset steps", "unrelated passage"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0.9 || scores[1] != 0.1 {
		t.Errorf("unexpected scores: %v", scores)
	}
}

func TestLLMScorer_EmptyBatch(t *testing.T) {
	scorer := NewLLMScorer(&fakeLLM{})

	scores, err := scorer.ScoreBatch(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores != nil {
		t.Errorf("expected nil scores for empty batch, got %v", scores)
	}
}

func TestLLMScorer_GenerateErrorIsNotMalformed(t *testing.T) {
	client := &fakeLLM{err: errors.New("connection refused")}
	scorer := NewLLMScorer(client)

	_, err := scorer.ScoreBatch(context.Background(), "query", []string{"passage"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Error("transport errors must not be classified as malformed responses")
	}
}

func TestLLMScorer_TruncatesLongPassages(t *testing.T) {
	client := &fakeLLM{response: "[0.5]"}
	scorer := NewLLMScorer(client)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}

	if _, err := scorer.ScoreBatch(context.Background(), "query", []string{string(long)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.lastPrompt) > 1500 {
		t.Errorf("expected passage truncated in prompt, prompt length %d", len(client.lastPrompt))
	}
}
