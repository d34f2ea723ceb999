package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/budget"
	"github.com/deepresearch/agent/internal/domain"
	"github.com/deepresearch/agent/internal/stepexecutor"
	"github.com/deepresearch/agent/internal/toolport"
)

// scriptedLLM replays a fixed sequence of tool-call responses per tool name,
// so a test can script exactly what the controller sees across several
// steps without a real vendor.
type scriptedLLM struct {
	queues map[string][]*llm.AgentResponse
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{queues: make(map[string][]*llm.AgentResponse)}
}

func (s *scriptedLLM) enqueue(toolName string, resp *llm.AgentResponse) {
	s.queues[toolName] = append(s.queues[toolName], resp)
}

func (s *scriptedLLM) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	if len(req.Tools) == 0 {
		return nil, fmt.Errorf("scriptedLLM: request carried no tools")
	}
	name := req.Tools[0].Name
	queue := s.queues[name]
	if len(queue) == 0 {
		return nil, fmt.Errorf("scriptedLLM: no more responses queued for %s", name)
	}
	resp := queue[0]
	s.queues[name] = queue[1:]
	return resp, nil
}

func (s *scriptedLLM) Model() string { return "scripted-fake" }

func actionResponse(kindJSON string, promptTokens, completionTokens int) *llm.AgentResponse {
	return &llm.AgentResponse{
		ToolCalls:        []llm.ToolCall{{ID: "1", Name: "emit_agent_action", Arguments: kindJSON}},
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
}

func verdictResponse(pass bool, reasoning, improvement string) *llm.AgentResponse {
	body := fmt.Sprintf(`{"pass":%t,"reasoning":%q,"improvement":%q}`, pass, reasoning, improvement)
	return &llm.AgentResponse{
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "emit_evaluation_verdict", Arguments: body}},
	}
}

func enqueuePassingEvaluation(s *scriptedLLM) {
	for i := 0; i < len(domain.DefaultEvaluatorOrder); i++ {
		s.enqueue("emit_evaluation_verdict", verdictResponse(true, "looks good", ""))
	}
}

type fakeSearch struct {
	results []toolport.SearchResult
}

func (f *fakeSearch) Query(ctx context.Context, q string, opts toolport.SearchOptions) ([]toolport.SearchResult, error) {
	return f.results, nil
}

func newTestController(t *testing.T, llmClient llm.AgentClient, tools stepexecutor.Deps) *Controller {
	t.Helper()
	return New(Deps{
		LLM:   llmClient,
		Tools: tools,
		Clock: budget.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestRunTrivialDirectAnswer(t *testing.T) {
	// No evaluation verdict is enqueued: the trivial-direct-answer shortcut
	// (spec §4.2) must terminate on step 1 without ever calling the
	// Evaluator. If the controller regressed to always evaluating, this
	// fake would have no scripted "emit_evaluation_verdict" response left
	// and the run would fail loudly instead of silently passing.
	fake := newScriptedLLM()
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"answer","think":"I already know this","answer":"Go 1.24 was released in 2025."}`, 10, 5))

	ctrl := newTestController(t, fake, stepexecutor.Deps{})
	req := domain.Request{Question: "when was go 1.24 released", TokenBudget: 10000, MaxSteps: 10, MaxDurationMs: 60000}

	result, err := ctrl.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsFinal {
		t.Fatal("expected a final result")
	}
	if result.IsBest {
		t.Error("expected IsBest=false: the trivial-direct-answer shortcut never confirms via the evaluator")
	}
	if result.Answer != "Go 1.24 was released in 2025." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
}

func TestRunSearchThenAnswer(t *testing.T) {
	fake := newScriptedLLM()
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"search","think":"need fresh sources","queries":["go 1.24 release notes"]}`, 10, 5))
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"answer","think":"now I can answer","answer":"Go 1.24 shipped in February 2025."}`, 10, 5))
	enqueuePassingEvaluation(fake)

	tools := stepexecutor.Deps{Search: &fakeSearch{results: []toolport.SearchResult{
		{URL: "https://go.dev/blog/go1.24", Title: "Go 1.24 release notes"},
	}}}
	ctrl := newTestController(t, fake, tools)
	req := domain.Request{Question: "when did go 1.24 ship", TokenBudget: 10000, MaxSteps: 10, MaxDurationMs: 60000}

	result, err := ctrl.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsFinal || result.Answer != "Go 1.24 shipped in February 2025." {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.AllURLs) != 1 {
		t.Errorf("expected the searched URL to be tracked, got %v", result.AllURLs)
	}
}

func TestRunBudgetExhaustionRoutesToBeastMode(t *testing.T) {
	fake := newScriptedLLM()
	// First regular step consumes 90 of a 100-token budget, tripping the
	// 85%-reserve threshold before the next iteration begins.
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"search","think":"looking around","queries":["some query"]}`, 60, 30))
	// Beast mode's forced-answer call reuses the same tool name.
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"answer","think":"best guess","answer":"My best available answer."}`, 5, 5))

	tools := stepexecutor.Deps{Search: &fakeSearch{results: nil}}
	ctrl := newTestController(t, fake, tools)
	req := domain.Request{Question: "a budget-starved question", TokenBudget: 100, MaxSteps: 50, MaxDurationMs: 60000}

	result, err := ctrl.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsFinal {
		t.Fatal("expected a final result")
	}
	if !result.IsBest {
		t.Error("expected beast mode to mark its forced answer as IsBest")
	}
	if result.Answer != "My best available answer." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
}

func TestRunReplanBlocksAnswerForOneStepThenSucceeds(t *testing.T) {
	fake := newScriptedLLM()
	// Step 1: search first, so the answer below is not a step-1 answer and
	// cannot take the trivial-direct-answer shortcut.
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"search","think":"looking first","queries":["some info"]}`, 10, 5))

	// Step 2: propose an answer that fails the first evaluation dimension.
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"answer","think":"first attempt","answer":"a stale answer"}`, 10, 5))
	fake.enqueue("emit_evaluation_verdict", verdictResponse(false, "relies on stale info", "cite something recent"))
	fake.enqueue("emit_error_analysis", &llm.AgentResponse{
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "emit_error_analysis", Arguments: `{
			"recap":"answered from memory without searching",
			"blame":"relied on stale info",
			"improvement":"search for something recent before answering"
		}`}},
	})

	// Step 3 (immediately after replan): answer is blocked for one step, so
	// the agent must do something else. It searches instead.
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"search","think":"fetching something fresher","queries":["recent info"]}`, 10, 5))

	// Step 4: answer is allowed again and passes every remaining dimension.
	fake.enqueue("emit_agent_action", actionResponse(
		`{"kind":"answer","think":"second attempt","answer":"a fresher answer"}`, 10, 5))
	enqueuePassingEvaluation(fake)

	tools := stepexecutor.Deps{Search: &fakeSearch{results: []toolport.SearchResult{
		{URL: "https://example.com/fresh", Title: "Fresh source"},
	}}}
	ctrl := newTestController(t, fake, tools)
	req := domain.Request{Question: "a question needing a retry", TokenBudget: 10000, MaxSteps: 20, MaxDurationMs: 60000}

	result, err := ctrl.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsFinal || result.Answer != "a fresher answer" {
		t.Fatalf("expected the replanned attempt to succeed, got %+v", result)
	}
}

func TestRunCancellationTerminatesImmediately(t *testing.T) {
	fake := newScriptedLLM()
	ctrl := newTestController(t, fake, stepexecutor.Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := domain.Request{Question: "irrelevant", TokenBudget: 10000, MaxSteps: 10, MaxDurationMs: 60000}
	result, err := ctrl.Run(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsFinal {
		t.Fatal("expected a final result on cancellation")
	}
	if result.FailedReason == "" {
		t.Error("expected a non-empty cancellation reason")
	}
}
