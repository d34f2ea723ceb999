// Package stepexecutor dispatches one validated Action to its tool
// collaborator (spec §4.2), producing a Delta the controller applies to
// session state. Handlers never mutate controller state directly: the
// controller remains the sole writer (spec §2 single-writer model).
package stepexecutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/actionschema"
	"github.com/deepresearch/agent/internal/domain"
	"github.com/deepresearch/agent/internal/toolport"
	"github.com/deepresearch/agent/internal/urlranker"
)

// Deps bundles the tool collaborators a step may need. Any may be nil if the
// corresponding permission is never granted for the session.
type Deps struct {
	Search toolport.SearchPort
	Fetch  toolport.FetchPort
	Code   toolport.CodeRunner
	Ranker *urlranker.Ranker
	LLM    llm.AgentClient
}

// PermissionDelta requests a one-step or permanent change to a permission
// bit; the controller applies these after the step completes.
type PermissionDelta struct {
	AllowAnswerOverride  *bool // sets allowAnswer until overridden again, e.g. re-enabled by a search
	DisableReflect       bool  // permanent: reflect soft-bound reached
	DisableCodeThisRound bool  // one-step: code disabled immediately after an answer attempt
}

// Delta is the state change one step produces. The controller is the only
// thing that applies a Delta to a Session.
type Delta struct {
	DiaryLine string

	NewURLCandidates []domain.URLRecord
	VisitedURL       *domain.URLRecord

	NewGaps []string

	KnowledgeToAdd []domain.KnowledgeItem

	CandidateAnswer     string
	CandidateReferences []domain.Reference
	RouteToEvaluator    bool

	// DirectDone is set instead of RouteToEvaluator when the answer qualifies
	// for the trivial-direct-answer shortcut (spec §4.2): totalStepCount==1
	// and the caller allows skipping the Evaluator entirely. The controller
	// terminates the session as Done{isBest:false} without ever calling the
	// Evaluator.
	DirectDone bool

	ToolFailed  bool
	Permissions PermissionDelta
}

// Execute dispatches action against deps and the current step index,
// returning the resulting Delta. existingGaps is the question's current gap
// queue (including the original question), consulted by reflect to dedupe
// and bound the queue. allowTrivialDirectAnswer is only honored for an
// answer action on step 1 (spec §4.2's trivial-direct-answer shortcut).
func Execute(
	ctx context.Context, deps Deps, step int, question string, existingGaps []string,
	allowTrivialDirectAnswer bool, action actionschema.Action,
) (Delta, error) {
	switch action.Kind {
	case actionschema.KindSearch:
		return executeSearch(ctx, deps, step, action)
	case actionschema.KindVisit:
		return executeVisit(ctx, deps, action)
	case actionschema.KindReflect:
		return executeReflect(question, existingGaps, action)
	case actionschema.KindCode:
		return executeCode(ctx, deps, action)
	case actionschema.KindAnswer:
		return executeAnswer(step, allowTrivialDirectAnswer, action)
	default:
		return Delta{}, fmt.Errorf("stepexecutor: %w", &actionschema.UnknownKindError{Kind: action.Kind})
	}
}

func executeSearch(ctx context.Context, deps Deps, step int, action actionschema.Action) (Delta, error) {
	if deps.Search == nil {
		return Delta{}, fmt.Errorf("stepexecutor: search action but no SearchPort configured")
	}

	var allCandidates []domain.URLRecord
	var queries []string
	for _, q := range action.SearchQueries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		queries = append(queries, q)

		results, err := deps.Search.Query(ctx, q, toolport.SearchOptions{})
		if err != nil {
			return Delta{
				DiaryLine:  fmt.Sprintf("Searched %q: failed (%v).", q, err),
				ToolFailed: true,
			}, nil
		}

		for _, r := range results {
			allCandidates = append(allCandidates, domain.URLRecord{
				URL:         r.URL,
				Title:       r.Title,
				Snippet:     r.Snippet,
				SourceStep:  step,
				VisitState:  domain.URLUnseen,
				PublishedAt: r.PublishedAt,
			})
		}
	}

	trueVal := true
	return Delta{
		DiaryLine:        fmt.Sprintf("Searched for %s, found %d candidate URLs.", strings.Join(queries, "; "), len(allCandidates)),
		NewURLCandidates: allCandidates,
		// A successful search re-enables answer: the agent has fresh
		// material to reconsider before committing.
		Permissions: PermissionDelta{AllowAnswerOverride: &trueVal},
	}, nil
}

func executeVisit(ctx context.Context, deps Deps, action actionschema.Action) (Delta, error) {
	if deps.Fetch == nil {
		return Delta{}, fmt.Errorf("stepexecutor: visit action but no FetchPort configured")
	}
	if len(action.VisitURLs) == 0 {
		return Delta{DiaryLine: "Tried to visit a URL but none were given.", ToolFailed: true}, nil
	}

	rawURL := action.VisitURLs[0]
	result, err := deps.Fetch.Fetch(ctx, rawURL, toolport.FetchOptions{ObeyRobots: true})
	if err != nil {
		if deps.Ranker != nil {
			deps.Ranker.MarkFailed(rawURL, err.Error())
		}
		return Delta{
			DiaryLine:  fmt.Sprintf("Visited %s: failed (%v).", rawURL, err),
			ToolFailed: true,
			VisitedURL: &domain.URLRecord{URL: urlranker.Canonicalize(rawURL), VisitState: domain.URLFailed, LastError: err.Error()},
		}, nil
	}

	if deps.Ranker != nil {
		deps.Ranker.MarkVisited(rawURL, result.ContentText, result.Title)
	}

	return Delta{
		DiaryLine: fmt.Sprintf("Visited %s (%q): extracted %d characters.", rawURL, result.Title, len(result.ContentText)),
		VisitedURL: &domain.URLRecord{
			URL:         urlranker.Canonicalize(rawURL),
			Title:       result.Title,
			Content:     result.ContentText,
			VisitState:  domain.URLVisited,
			PublishedAt: result.PublishedAt,
		},
		KnowledgeToAdd: []domain.KnowledgeItem{{
			Question: rawURL,
			Answer:   result.ContentText,
			Type:     domain.KnowledgeURL,
		}},
	}, nil
}

// reflectSimilarityThreshold bounds how close a proposed sub-question may be
// to an existing gap before it is treated as a duplicate and dropped.
const reflectSimilarityThreshold = 0.9

// reflectSoftBound is the number of gaps after which reflection is disabled
// for the rest of the session: beyond this the gap queue is long enough that
// further reflection trades depth for breadth at a loss.
const reflectSoftBound = 8

func executeReflect(question string, existingGaps []string, action actionschema.Action) (Delta, error) {
	if len(action.ReflectSubQuestions) == 0 {
		return Delta{DiaryLine: "Reflected but produced no new sub-questions.", ToolFailed: true}, nil
	}

	seen := append([]string{}, existingGaps...)
	var fresh []string
	for _, sq := range action.ReflectSubQuestions {
		sq = strings.TrimSpace(sq)
		if sq == "" || sq == question {
			continue
		}
		if isDuplicate(sq, seen) {
			continue
		}
		fresh = append(fresh, sq)
		seen = append(seen, sq)
	}

	delta := Delta{
		DiaryLine: fmt.Sprintf("Reflected on %q, added %d sub-question(s) to the gap queue.", question, len(fresh)),
		NewGaps:   fresh,
	}

	// Once the gap queue crosses the soft bound, further reflection trades
	// depth for breadth at a loss: disable it for the rest of the session.
	if len(seen) >= reflectSoftBound {
		delta.Permissions.DisableReflect = true
	}

	return delta, nil
}

// isDuplicate reports whether candidate is near-identical to any of against,
// by word-set Jaccard similarity.
func isDuplicate(candidate string, against []string) bool {
	candidateWords := wordSet(candidate)
	if len(candidateWords) == 0 {
		return false
	}
	for _, other := range against {
		if jaccard(candidateWords, wordSet(other)) >= reflectSimilarityThreshold {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func executeCode(ctx context.Context, deps Deps, action actionschema.Action) (Delta, error) {
	if deps.Code == nil {
		return Delta{}, fmt.Errorf("stepexecutor: code action but no CodeRunner configured")
	}

	result, err := deps.Code.Run(ctx, action.CodeProgram, "", toolport.CodeLimits{
		WallClock: toolport.CodeWallClock,
		CPU:       toolport.CodeCPUCap,
	})
	if err != nil {
		return Delta{
			DiaryLine:  fmt.Sprintf("Ran code: failed (%v).", err),
			ToolFailed: true,
		}, nil
	}

	return Delta{
		DiaryLine: fmt.Sprintf("Ran code, exit %d, stdout: %s", result.ExitCode, truncate(result.Stdout, 500)),
		KnowledgeToAdd: []domain.KnowledgeItem{{
			Question: "code execution output",
			Answer:   result.Stdout,
			Type:     domain.KnowledgeSideInfo,
		}},
		// Code is disabled for the step immediately following an answer
		// attempt, not here: executeAnswer's delta requests that.
	}, nil
}

// executeAnswer proposes action's text as the candidate answer. Ordinarily
// this routes to the Evaluator; the one exception is the trivial-direct-
// answer shortcut (spec §4.2): the very first step of a session, with the
// caller's allow-trivial-direct-answer flag set, terminates immediately
// without ever invoking the Evaluator.
func executeAnswer(step int, allowTrivialDirectAnswer bool, action actionschema.Action) (Delta, error) {
	delta := Delta{
		DiaryLine:           fmt.Sprintf("Proposed an answer: %s", truncate(action.AnswerText, 200)),
		CandidateAnswer:     action.AnswerText,
		CandidateReferences: action.AnswerReferences,
		Permissions:         PermissionDelta{DisableCodeThisRound: true},
	}

	if step == 1 && allowTrivialDirectAnswer {
		delta.DirectDone = true
	} else {
		delta.RouteToEvaluator = true
	}

	return delta, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
