// Package erroranalyzer produces the recap/blame/improvement analysis of a
// failed attempt (spec §4.6), consumed by the controller's replanning step
// and recorded as a domain.KnowledgeErrorAnalysis knowledge item.
package erroranalyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepresearch/agent/common/llm"
)

// Analysis is the structured output of one error-analysis pass.
type Analysis struct {
	Recap       string `json:"recap" jsonschema:"required,description=What was attempted, in one or two sentences."`
	Blame       string `json:"blame" jsonschema:"required,description=The specific reason the attempt failed."`
	Improvement string `json:"improvement" jsonschema:"required,description=A concrete, actionable change for the next attempt."`
}

var analysisSchema = llm.Schema{
	Name:       "error_analysis",
	JSONSchema: llm.GenerateSchema[Analysis](),
}

const systemPrompt = "You analyze a failed research attempt from its diary. Identify precisely what was tried, " +
	"why it fell short of the evaluator's requirement, and one concrete change that would fix it next time. " +
	"Do not repeat the diary; synthesize it."

// Analyze runs one LLM Port call over diaryText (the rendered, about-to-be-reset
// diary) and the evaluator's stated failure reason, returning the analysis to
// append as a knowledge item before the diary is cleared.
func Analyze(ctx context.Context, client llm.AgentClient, question, diaryText, failedDimension, evaluatorImprovement string) (Analysis, error) {
	messages := []llm.Message{
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Question: %s\n\nFailed evaluator dimension: %s\nEvaluator's note: %s\n\nDiary of the failed attempt:\n%s",
				question, failedDimension, evaluatorImprovement, diaryText,
			),
		},
	}

	result, err := llm.GenerateObject(ctx, client, analysisSchema, systemPrompt, messages, 2)
	if err != nil {
		return Analysis{}, fmt.Errorf("error analysis: %w", err)
	}

	var analysis Analysis
	if err := json.Unmarshal(result.Object, &analysis); err != nil {
		return Analysis{}, fmt.Errorf("decoding error analysis: %w", err)
	}
	return analysis, nil
}

// Render formats an Analysis as the text body of a KnowledgeErrorAnalysis
// knowledge item.
func (a Analysis) Render() string {
	return fmt.Sprintf("Recap: %s\nBlame: %s\nImprovement: %s", a.Recap, a.Blame, a.Improvement)
}
