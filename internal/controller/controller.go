// Package controller runs the bounded research loop (spec §4.1): a
// cancellable state machine that, each iteration, asks the LLM Port to pick
// one permitted action, dispatches it through the Step Executor, and checks
// six ordered termination gates before the next iteration. The controller is
// the single writer of session state; every collaborator it calls returns a
// delta rather than mutating state itself.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepresearch/agent/common/id"
	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/actionschema"
	"github.com/deepresearch/agent/internal/budget"
	"github.com/deepresearch/agent/internal/debugrun"
	"github.com/deepresearch/agent/internal/domain"
	"github.com/deepresearch/agent/internal/erroranalyzer"
	"github.com/deepresearch/agent/internal/evaluator"
	"github.com/deepresearch/agent/internal/knowledge"
	"github.com/deepresearch/agent/internal/stepexecutor"
	"github.com/deepresearch/agent/internal/urlranker"
)

// defaultMaxBadAttempts is how many times each evaluation dimension may fail
// before its requirement is dropped, when the request leaves maxBadAttempts
// unset.
const defaultMaxBadAttempts = 2

// defaultFailureLimit is how many consecutive tool/vendor failures (gate #5)
// force beast mode. Independent of maxBadAttempts: the former bounds
// evaluator rejections of a candidate answer, the latter bounds outright
// tool/transport breakage.
const defaultFailureLimit = 3

// maxRankedURLsPerPrompt caps how many ranked URLs are shown to the LLM per
// step, keeping the prompt bounded as the ranker accumulates candidates.
const maxRankedURLsPerPrompt = 20

// Deps bundles everything one Controller instance needs to run sessions.
// A single Deps is safe to reuse across concurrent sessions; each Run call
// owns its own Session, Store, Diary and Ranker.
type Deps struct {
	LLM   llm.AgentClient
	Tools stepexecutor.Deps
	Clock budget.Clock

	// DebugDir, if set, receives a per-session subdirectory holding the
	// session's rendered diary and knowledge store on terminal return — a
	// development aid for replaying how a session's reasoning evolved.
	DebugDir string
}

// Controller runs one session end-to-end per Run call.
type Controller struct {
	deps Deps
}

// New returns a Controller backed by deps.
func New(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = budget.SystemClock{}
	}
	return &Controller{deps: deps}
}

// Run drives the bounded loop for one request to a terminal state and
// returns the corresponding Result. It never returns a Go error for
// ordinary session outcomes (budget exhaustion, step limits, evaluator
// failure): those route to beast mode or a terminal Done/Failed state
// per spec §4.1. A non-nil error here means stepexecutor.Execute could not
// dispatch an action, e.g. because the tool port it needs is not configured.
func (c *Controller) Run(ctx context.Context, req domain.Request) (domain.Result, error) {
	now := c.deps.Clock.Now()

	sess := &domain.Session{
		ID: newSessionID(),
		Question: &domain.Question{
			Original: req.Question,
		},
		URLs: make(map[string]*domain.URLRecord),
		Budget: domain.Budget{
			TokenBudget:  req.TokenBudget,
			StepLimit:    req.MaxSteps,
			Deadline:     req.Deadline(now),
			StartTime:    now,
			FailureLimit: defaultFailureLimit,
		},
		Permissions: domain.Permissions{
			AllowAnswer:  !req.NoDirectAnswer,
			AllowSearch:  true,
			AllowRead:    true,
			AllowReflect: true,
			AllowCode:    true,
		},
		State: domain.ControllerState{Kind: domain.StateIdle},
	}

	store := knowledge.NewStore()
	diary := knowledge.NewDiary()
	ranker := urlranker.New(urlranker.DefaultWeights, req.BoostHostnames, req.BadHostnames, req.OnlyHostnames)

	metrics := domain.NewMetrics()
	debugDir := debugrun.Setup(c.deps.DebugDir)

	for {
		switch checkGates(ctx, sess, c.deps.Clock.Now()) {
		case gateCancelled:
			sess.State = domain.ControllerState{Kind: domain.StateCancelled, CancelReason: ctx.Err().Error()}
			result := resultFor(sess, store, ranker, metrics)
			dumpDebug(debugDir, sess, diary, store, result)
			return result, nil
		case gateNone:
			// fall through to the regular step below
		default:
			result, err := c.runBeastMode(ctx, sess, store, diary, ranker, metrics, req)
			dumpDebug(debugDir, sess, diary, store, result)
			return result, err
		}

		result, done, err := c.step(ctx, sess, store, diary, ranker, &metrics, req)
		if err != nil {
			return domain.Result{}, err
		}
		if done {
			dumpDebug(debugDir, sess, diary, store, result)
			return result, nil
		}
	}
}

// dumpDebug writes dir's transcripts for a terminated session. A no-op when
// dir is empty (debug dumping disabled).
func dumpDebug(dir string, sess *domain.Session, diary *knowledge.Diary, store *knowledge.Store, result domain.Result) {
	if dir == "" {
		return
	}
	debugrun.WriteTranscript(dir, "question.txt", sess.Question.Original)
	debugrun.WriteTranscript(dir, "diary.txt", diary.Render())
	debugrun.WriteTranscript(dir, "knowledge.txt", renderKnowledge(store.All()))
	debugrun.WriteTranscript(dir, "answer.txt", result.Answer)
}

// step runs exactly one loop iteration: question selection, requirement
// population, schema build, LLM Port call, dispatch, delta application, and
// (if the action was an answer) evaluation. It returns done=true once the
// session has reached a terminal state.
func (c *Controller) step(
	ctx context.Context,
	sess *domain.Session,
	store *knowledge.Store,
	diary *knowledge.Diary,
	ranker *urlranker.Ranker,
	metrics *domain.Metrics,
	req domain.Request,
) (domain.Result, bool, error) {
	question := sess.Question.Current(sess.Budget.TotalStepCount)

	if sess.Budget.TotalStepCount == 0 && len(sess.Question.Requirements) == 0 {
		sess.Question.Requirements = defaultRequirements(req.MaxBadAttempts)
	}

	perms := effectivePermissions(sess)
	// The one-step blocks apply to this step only, whether or not it succeeds.
	sess.ReplanBlockAnswerStep = false
	sess.CodeBlockOneStep = false
	schema := actionschema.BuildUnionSchema(perms)

	system := buildSystemPrompt(sess, store, ranker, req)
	messages := []llm.Message{{Role: "user", Content: question}}

	genResult, err := llm.GenerateObject(ctx, c.deps.LLM, schema, system, messages, 2)
	sess.Budget.TickStep()
	if err != nil {
		sess.Budget.RecordTokens(generateErrorTokens(err))
		sess.ConsecutiveToolFailures++
		diary.Record(sess.Budget.TotalStepCount, "Step failed: could not obtain a structured action (%v).", err)
		return domain.Result{}, false, nil
	}
	sess.Budget.RecordTokens(genResult.PromptTokens + genResult.CompletionTokens)
	metrics.TokensUsed = sess.Budget.TokensUsed

	action, err := actionschema.ParseUnion(perms, genResult.Object)
	if err != nil {
		sess.ConsecutiveToolFailures++
		diary.Record(sess.Budget.TotalStepCount, "Step failed: %v.", err)
		return domain.Result{}, false, nil
	}

	metrics.ActionCounts[string(action.Kind)]++

	// Tools.Ranker is overridden per call with this session's own Ranker:
	// Deps is shared across concurrent sessions, but no record may leak
	// between them (spec §3).
	tools := c.deps.Tools
	tools.Ranker = ranker
	allowTrivialDirectAnswer := !req.NoDirectAnswer
	delta, err := stepexecutor.Execute(
		ctx, tools, sess.Budget.TotalStepCount, question, sess.Question.All(), allowTrivialDirectAnswer, action,
	)
	if err != nil {
		return domain.Result{}, false, fmt.Errorf("controller: dispatching action: %w", err)
	}

	applyDelta(sess, store, diary, ranker, metrics, delta)

	if delta.ToolFailed {
		sess.ConsecutiveToolFailures++
	} else {
		sess.ConsecutiveToolFailures = 0
	}

	if delta.DirectDone {
		sess.State = domain.ControllerState{
			Kind:           domain.StateDone,
			DoneAnswer:     delta.CandidateAnswer,
			DoneReferences: delta.CandidateReferences,
			DoneIsBest:     false,
		}
		store.Add(sess.Question.Original, delta.CandidateAnswer, domain.KnowledgeQA)
		return resultFor(sess, store, ranker, *metrics), true, nil
	}

	if !delta.RouteToEvaluator {
		return domain.Result{}, false, nil
	}

	return c.evaluateCandidate(ctx, sess, store, diary, ranker, metrics, req, delta)
}

// evaluateCandidate runs the Evaluator against a proposed answer and either
// terminates the session (Done) or performs a replan reset.
func (c *Controller) evaluateCandidate(
	ctx context.Context,
	sess *domain.Session,
	store *knowledge.Store,
	diary *knowledge.Diary,
	ranker *urlranker.Ranker,
	metrics *domain.Metrics,
	req domain.Request,
	delta stepexecutor.Delta,
) (domain.Result, bool, error) {
	knowledgeSummary := renderKnowledge(store.Presented())

	evalResult, err := evaluator.Evaluate(
		ctx, c.deps.LLM, sess.Question.Original, delta.CandidateAnswer, knowledgeSummary, sess.Question.Requirements,
	)
	if err != nil {
		sess.ConsecutiveToolFailures++
		diary.Record(sess.Budget.TotalStepCount, "Evaluation failed: %v.", err)
		return domain.Result{}, false, nil
	}

	if evalResult.Passed {
		sess.State = domain.ControllerState{
			Kind:           domain.StateDone,
			DoneAnswer:     delta.CandidateAnswer,
			DoneReferences: delta.CandidateReferences,
			DoneIsBest:     false,
		}
		store.Add(sess.Question.Original, delta.CandidateAnswer, domain.KnowledgeQA)
		return resultFor(sess, store, ranker, *metrics), true, nil
	}

	sess.Question.Requirements = evalResult.UpdatedRequirements

	if evalResult.Exhausted && len(sess.Question.Requirements) == 0 {
		// Every requirement dimension is spent: terminate gracefully with the
		// best answer obtained, never Failed (spec §4.5).
		sess.State = domain.ControllerState{
			Kind:           domain.StateDone,
			DoneAnswer:     delta.CandidateAnswer,
			DoneReferences: delta.CandidateReferences,
			DoneIsBest:     true,
		}
		store.Add(sess.Question.Original, delta.CandidateAnswer, domain.KnowledgeQA)
		return resultFor(sess, store, ranker, *metrics), true, nil
	}

	c.replan(ctx, sess, store, diary, metrics, evalResult)
	return domain.Result{}, false, nil
}

// replan performs spec §4.1's replanning reset: the diary is cleared, step
// count restarts, answer is blocked for exactly one step, and an
// error-analysis knowledge item is recorded. totalStepCount, the budget, and
// every other permission are left untouched.
func (c *Controller) replan(
	ctx context.Context,
	sess *domain.Session,
	store *knowledge.Store,
	diary *knowledge.Diary,
	metrics *domain.Metrics,
	evalResult evaluator.Result,
) {
	diaryText := diary.Render()

	analysis, err := erroranalyzer.Analyze(
		ctx, c.deps.LLM, sess.Question.Original, diaryText, string(evalResult.FailedDimension), evalResult.Improvement,
	)
	if err == nil {
		store.Add(sess.Question.Original, analysis.Render(), domain.KnowledgeErrorAnalysis)
	}

	diary.Reset()
	sess.Budget.ResetStepCount()
	sess.ReplanBlockAnswerStep = true
	sess.State = domain.ControllerState{Kind: domain.StateReplanning, ReplanAnalysis: evalResult.Improvement}
	metrics.ToolFailureCount++
}

// runBeastMode performs the single guaranteed final forced-answer call once
// a non-cancellation gate trips: all tools forbidden, answer required.
func (c *Controller) runBeastMode(
	ctx context.Context,
	sess *domain.Session,
	store *knowledge.Store,
	diary *knowledge.Diary,
	ranker *urlranker.Ranker,
	metrics domain.Metrics,
	req domain.Request,
) (domain.Result, error) {
	sess.State = domain.ControllerState{Kind: domain.StateBeastMode}

	perms := domain.Permissions{AllowAnswer: true}
	schema := actionschema.BuildUnionSchema(perms)
	system := buildSystemPrompt(sess, store, ranker, req) +
		"\n\nYou must answer now with your best available knowledge. No further tools are available."

	genResult, err := llm.GenerateObject(ctx, c.deps.LLM, schema, system,
		[]llm.Message{{Role: "user", Content: sess.Question.Original}}, 2)
	if err != nil {
		sess.State = domain.ControllerState{Kind: domain.StateFailed, FailedReason: err.Error()}
		return resultFor(sess, store, ranker, metrics), nil
	}
	sess.Budget.RecordTokens(genResult.PromptTokens + genResult.CompletionTokens)

	action, err := actionschema.ParseUnion(perms, genResult.Object)
	if err != nil || action.Kind != actionschema.KindAnswer {
		sess.State = domain.ControllerState{Kind: domain.StateFailed, FailedReason: "beast mode did not produce an answer"}
		return resultFor(sess, store, ranker, metrics), nil
	}

	store.Add(sess.Question.Original, action.AnswerText, domain.KnowledgeQA)
	sess.State = domain.ControllerState{
		Kind:           domain.StateDone,
		DoneAnswer:     action.AnswerText,
		DoneReferences: action.AnswerReferences,
		DoneIsBest:     true,
	}
	return resultFor(sess, store, ranker, metrics), nil
}

// --- termination gates (spec §4.1) ---

type gate int

const (
	gateNone gate = iota
	gateCancelled
	gateBudget
	gateStepLimit
	gateDeadline
	gateToolFailures
	gateNoPermission
)

// checkGates evaluates the six ordered termination gates (spec §4.1) and
// returns the first one that trips, or gateNone if the loop may continue.
// Gate #1 (cancellation) is terminal and handled by the caller directly;
// every other gate routes to beast mode.
func checkGates(ctx context.Context, sess *domain.Session, now time.Time) gate {
	if ctx.Err() != nil {
		return gateCancelled
	}
	if sess.Budget.OverBeastThreshold() {
		return gateBudget
	}
	if sess.Budget.StepLimitExceeded() {
		return gateStepLimit
	}
	if sess.Budget.DeadlineExceeded(now) {
		return gateDeadline
	}
	if sess.Budget.FailureLimit > 0 && sess.ConsecutiveToolFailures >= sess.Budget.FailureLimit {
		return gateToolFailures
	}
	if !effectivePermissions(sess).AnyAllowed() {
		return gateNoPermission
	}
	return gateNone
}

func effectivePermissions(sess *domain.Session) domain.Permissions {
	perms := sess.Permissions
	if sess.ReplanBlockAnswerStep {
		perms.AllowAnswer = false
	}
	if sess.CodeBlockOneStep {
		perms.AllowCode = false
	}
	return perms
}

// defaultRequirements populates the question's requirement multiset: every
// dimension in domain.DefaultEvaluatorOrder, each with maxBadAttempts
// remaining (spec §3: "always add strict with maxBadAttempts remaining").
// maxBadAttempts <= 0 (unset by the caller) falls back to
// defaultMaxBadAttempts.
func defaultRequirements(maxBadAttempts int) []domain.EvaluationRequirement {
	if maxBadAttempts <= 0 {
		maxBadAttempts = defaultMaxBadAttempts
	}
	reqs := make([]domain.EvaluationRequirement, 0, len(domain.DefaultEvaluatorOrder))
	for _, dim := range domain.DefaultEvaluatorOrder {
		reqs = append(reqs, domain.EvaluationRequirement{Dimension: dim, RemainingAttempts: maxBadAttempts})
	}
	return reqs
}

func applyDelta(
	sess *domain.Session,
	store *knowledge.Store,
	diary *knowledge.Diary,
	ranker *urlranker.Ranker,
	metrics *domain.Metrics,
	delta stepexecutor.Delta,
) {
	if delta.DiaryLine != "" {
		diary.Record(sess.Budget.TotalStepCount, "%s", delta.DiaryLine)
	}
	if len(delta.NewURLCandidates) > 0 {
		ranker.Merge(sess.Budget.TotalStepCount, delta.NewURLCandidates)
	}
	if delta.VisitedURL != nil {
		sess.URLs[delta.VisitedURL.URL] = delta.VisitedURL
	}
	if len(delta.NewGaps) > 0 {
		sess.Question.Gaps = append(sess.Question.Gaps, delta.NewGaps...)
	}
	for _, item := range delta.KnowledgeToAdd {
		store.Add(item.Question, item.Answer, item.Type)
	}
	if delta.ToolFailed {
		metrics.ToolFailureCount++
	}

	if sess.ReplanBlockAnswerStep {
		sess.ReplanBlockAnswerStep = false
	}
	if sess.CodeBlockOneStep {
		sess.CodeBlockOneStep = false
	}
	if delta.Permissions.AllowAnswerOverride != nil {
		sess.Permissions.AllowAnswer = *delta.Permissions.AllowAnswerOverride
	}
	if delta.Permissions.DisableReflect {
		sess.Permissions.AllowReflect = false
	}
	if delta.Permissions.DisableCodeThisRound {
		sess.CodeBlockOneStep = true
	}
}

func buildSystemPrompt(sess *domain.Session, store *knowledge.Store, ranker *urlranker.Ranker, req domain.Request) string {
	var b strings.Builder
	b.WriteString("You are a research agent working step by step toward answering: ")
	b.WriteString(sess.Question.Original)
	b.WriteString("\n\nKnowledge gathered so far:\n")
	b.WriteString(renderKnowledge(store.Presented()))

	ranked := ranker.SortSelectURLs(maxRankedURLsPerPrompt)
	if len(ranked) > 0 {
		b.WriteString("\n\nCandidate URLs not yet visited, ranked:\n")
		for _, u := range ranked {
			fmt.Fprintf(&b, "- %s (%s)\n", u.URL, u.Title)
		}
	}

	if sess.State.Kind == domain.StateReplanning && sess.State.ReplanAnalysis != "" {
		b.WriteString("\n\nPrevious attempt's evaluator feedback: ")
		b.WriteString(sess.State.ReplanAnalysis)
	}

	return b.String()
}

func renderKnowledge(items []domain.KnowledgeItem) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] Q: %s A: %s\n", item.Type, item.Question, truncate(item.Answer, 400))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func resultFor(sess *domain.Session, store *knowledge.Store, ranker *urlranker.Ranker, metrics domain.Metrics) domain.Result {
	var visited, read, all []string
	for _, rec := range ranker.All() {
		all = append(all, rec.URL)
		if rec.VisitState == domain.URLVisited {
			visited = append(visited, rec.URL)
			read = append(read, rec.URL)
		}
	}

	metrics.TotalSteps = sess.Budget.TotalStepCount
	metrics.TokensUsed = sess.Budget.TokensUsed

	switch sess.State.Kind {
	case domain.StateDone:
		return domain.Result{
			Answer:      sess.State.DoneAnswer,
			IsFinal:     true,
			IsBest:      sess.State.DoneIsBest,
			References:  sess.State.DoneReferences,
			VisitedURLs: visited,
			ReadURLs:    read,
			AllURLs:     all,
			Knowledge:   store.All(),
			Metrics:     metrics,
		}
	case domain.StateFailed:
		return domain.Result{
			IsFinal:      true,
			VisitedURLs:  visited,
			ReadURLs:     read,
			AllURLs:      all,
			Knowledge:    store.All(),
			Metrics:      metrics,
			FailedReason: sess.State.FailedReason,
		}
	case domain.StateCancelled:
		return domain.Result{
			IsFinal:      true,
			VisitedURLs:  visited,
			ReadURLs:     read,
			AllURLs:      all,
			Knowledge:    store.All(),
			Metrics:      metrics,
			FailedReason: sess.State.CancelReason,
		}
	default:
		return domain.Result{
			VisitedURLs: visited,
			ReadURLs:    read,
			AllURLs:     all,
			Knowledge:   store.All(),
			Metrics:     metrics,
		}
	}
}

func generateErrorTokens(err error) int {
	if genErr, ok := err.(*llm.GenerateError); ok {
		return genErr.PromptTokens
	}
	return 0
}


func newSessionID() string {
	return strconv.FormatInt(id.New(), 10)
}
