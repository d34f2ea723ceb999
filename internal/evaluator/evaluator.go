// Package evaluator scores a candidate answer against the question's
// remaining evaluation requirements (spec §4.5), one LLM Port call per
// dimension, in the fixed order domain.DefaultEvaluatorOrder.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/domain"
)

// Verdict is the per-dimension judgment the LLM Port returns.
type Verdict struct {
	Pass        bool   `json:"pass"`
	Reasoning   string `json:"reasoning"`
	Improvement string `json:"improvement,omitempty"` // only meaningful when Pass is false
}

var verdictSchema = llm.Schema{
	Name:       "evaluation_verdict",
	JSONSchema: llm.GenerateSchema[Verdict](),
}

// Result is the outcome of evaluating one candidate answer across whatever
// dimensions still had remaining attempts.
type Result struct {
	// Passed is true only when every remaining-attempt dimension passed.
	Passed bool

	// FailedDimension is the first dimension that failed this pass, or ""
	// when Passed is true. Only the first failure is recorded per pass: the
	// spec decrements exactly one dimension's remaining attempts per step,
	// never all simultaneously-failing dimensions at once.
	FailedDimension domain.EvaluationDimension

	// Improvement is the failing dimension's suggested fix, carried into the
	// next attempt's prompt and into the error-analysis request of every
	// replan.
	Improvement string

	// Exhausted is true when FailedDimension's requirement hit zero
	// remaining attempts this pass, meaning it must be dropped from the
	// requirement set. An exhausted requirement does not fail the session:
	// when it leaves the requirement set empty, the controller terminates
	// gracefully with Done{isBest:true}; otherwise it replans.
	Exhausted bool

	// UpdatedRequirements is the requirement multiset after this pass:
	// the failed dimension's attempt count decremented (and removed if it
	// hit zero), everything else unchanged.
	UpdatedRequirements []domain.EvaluationRequirement
}

// Evaluate runs the question's current requirements, in fixed dimension
// order, against candidateAnswer. It stops at the first failing dimension:
// later dimensions in the order are not evaluated this pass, matching the
// spec's one-decrement-per-step rule.
func Evaluate(
	ctx context.Context,
	client llm.AgentClient,
	question string,
	candidateAnswer string,
	knowledgeSummary string,
	requirements []domain.EvaluationRequirement,
) (Result, error) {
	byDimension := make(map[domain.EvaluationDimension]domain.EvaluationRequirement, len(requirements))
	for _, r := range requirements {
		byDimension[r.Dimension] = r
	}

	for _, dim := range domain.DefaultEvaluatorOrder {
		req, ok := byDimension[dim]
		if !ok || req.RemainingAttempts <= 0 {
			continue
		}

		verdict, err := runDimension(ctx, client, dim, question, candidateAnswer, knowledgeSummary)
		if err != nil {
			return Result{}, fmt.Errorf("evaluating dimension %s: %w", dim, err)
		}

		if verdict.Pass {
			continue
		}

		req.RemainingAttempts--
		exhausted := req.RemainingAttempts <= 0

		updated := make([]domain.EvaluationRequirement, 0, len(requirements))
		for _, r := range requirements {
			if r.Dimension == dim {
				if exhausted {
					continue
				}
				r.RemainingAttempts = req.RemainingAttempts
			}
			updated = append(updated, r)
		}

		return Result{
			Passed:              false,
			FailedDimension:     dim,
			Improvement:         verdict.Improvement,
			Exhausted:           exhausted,
			UpdatedRequirements: updated,
		}, nil
	}

	return Result{Passed: true, UpdatedRequirements: requirements}, nil
}

func runDimension(
	ctx context.Context,
	client llm.AgentClient,
	dim domain.EvaluationDimension,
	question, candidateAnswer, knowledgeSummary string,
) (Verdict, error) {
	system := systemPromptFor(dim)
	messages := []llm.Message{
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Question: %s\n\nCandidate answer: %s\n\nAccumulated knowledge:\n%s",
				question, candidateAnswer, knowledgeSummary,
			),
		},
	}

	result, err := llm.GenerateObject(ctx, client, verdictSchema, system, messages, 2)
	if err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	if err := json.Unmarshal(result.Object, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("decoding verdict: %w", err)
	}
	return verdict, nil
}

func systemPromptFor(dim domain.EvaluationDimension) string {
	switch dim {
	case domain.DimensionFreshness:
		return "You judge whether a candidate answer relies on up-to-date information relative to what the question requires. " +
			"Fail it if it cites stale facts where recency matters."
	case domain.DimensionPlurality:
		return "You judge whether a candidate answer addresses every distinct item the question asks for, when the question " +
			"asks for multiple things (a list, a comparison, several entities). Fail it if it collapses to a single item."
	case domain.DimensionAttribution:
		return "You judge whether every factual claim in the candidate answer is backed by a specific, checkable source in the " +
			"accumulated knowledge. Fail it if it asserts anything unsupported."
	case domain.DimensionCompleteness:
		return "You judge whether the candidate answer fully resolves the question, with no unaddressed sub-part. " +
			"Fail it if it answers only part of what was asked."
	case domain.DimensionStrict:
		return "You are the final, most exacting reviewer. Judge correctness, internal consistency and directness. " +
			"Fail anything hedged, evasive, or not directly responsive."
	default:
		return "You judge whether the candidate answer is acceptable."
	}
}
