package evaluator

import (
	"context"
	"fmt"
	"testing"

	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/domain"
)

// scriptedClient replays one canned verdict per call, in order, regardless
// of which dimension is being scored.
type scriptedClient struct {
	verdicts []Verdict
	calls    int
}

func (s *scriptedClient) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	if s.calls >= len(s.verdicts) {
		return nil, fmt.Errorf("scriptedClient: no more verdicts queued")
	}
	v := s.verdicts[s.calls]
	s.calls++
	body := fmt.Sprintf(`{"pass":%t,"reasoning":%q,"improvement":%q}`, v.Pass, v.Reasoning, v.Improvement)
	return &llm.AgentResponse{
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "emit_evaluation_verdict", Arguments: body}},
	}, nil
}

func (s *scriptedClient) Model() string { return "scripted-fake" }

func allPassRequirements() []domain.EvaluationRequirement {
	reqs := make([]domain.EvaluationRequirement, 0, len(domain.DefaultEvaluatorOrder))
	for _, dim := range domain.DefaultEvaluatorOrder {
		reqs = append(reqs, domain.EvaluationRequirement{Dimension: dim, RemainingAttempts: 2})
	}
	return reqs
}

func TestEvaluatePassesEveryDimension(t *testing.T) {
	client := &scriptedClient{verdicts: []Verdict{
		{Pass: true}, {Pass: true}, {Pass: true}, {Pass: true}, {Pass: true},
	}}

	result, err := Evaluate(context.Background(), client, "q", "answer", "knowledge", allPassRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected Passed=true, got %+v", result)
	}
	if client.calls != 5 {
		t.Errorf("expected one call per dimension, got %d", client.calls)
	}
}

func TestEvaluateStopsAtFirstFailure(t *testing.T) {
	client := &scriptedClient{verdicts: []Verdict{
		{Pass: true}, // freshness
		{Pass: false, Reasoning: "not plural enough", Improvement: "address every item"}, // plurality
	}}

	result, err := Evaluate(context.Background(), client, "q", "answer", "knowledge", allPassRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Fatal("expected Passed=false")
	}
	if result.FailedDimension != domain.DimensionPlurality {
		t.Errorf("expected plurality to be the failing dimension, got %q", result.FailedDimension)
	}
	if client.calls != 2 {
		t.Errorf("expected evaluation to stop after the failing dimension, got %d calls", client.calls)
	}
	if result.Improvement != "address every item" {
		t.Errorf("unexpected improvement text: %q", result.Improvement)
	}

	var updatedPlurality domain.EvaluationRequirement
	for _, r := range result.UpdatedRequirements {
		if r.Dimension == domain.DimensionPlurality {
			updatedPlurality = r
		}
	}
	if updatedPlurality.RemainingAttempts != 1 {
		t.Errorf("expected plurality's remaining attempts decremented to 1, got %d", updatedPlurality.RemainingAttempts)
	}
}

func TestEvaluateExhaustsDimensionAfterLastAttempt(t *testing.T) {
	client := &scriptedClient{verdicts: []Verdict{
		{Pass: false, Reasoning: "stale", Improvement: "cite something recent"},
	}}

	reqs := []domain.EvaluationRequirement{{Dimension: domain.DimensionFreshness, RemainingAttempts: 1}}
	result, err := Evaluate(context.Background(), client, "q", "answer", "knowledge", reqs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Exhausted {
		t.Error("expected the dimension to be reported exhausted")
	}
	for _, r := range result.UpdatedRequirements {
		if r.Dimension == domain.DimensionFreshness {
			t.Fatalf("expected the exhausted dimension to be dropped from the requirement set, found %+v", r)
		}
	}
}

func TestEvaluateSkipsDimensionsWithNoRemainingAttempts(t *testing.T) {
	client := &scriptedClient{verdicts: []Verdict{{Pass: true}}}
	reqs := []domain.EvaluationRequirement{
		{Dimension: domain.DimensionFreshness, RemainingAttempts: 0},
		{Dimension: domain.DimensionPlurality, RemainingAttempts: 1},
	}

	result, err := Evaluate(context.Background(), client, "q", "answer", "knowledge", reqs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected Passed=true, got %+v", result)
	}
	if client.calls != 1 {
		t.Errorf("expected the zero-remaining-attempts dimension to be skipped entirely, got %d calls", client.calls)
	}
}
