// Package domain holds the data model of a research session: the types the
// controller, step executor, evaluator and budget all operate on. Nothing in
// this package performs I/O; it is the shape of state, not its behavior.
package domain

import "time"

// Session is one research request. It owns all state below for its
// duration; no record is shared across sessions.
type Session struct {
	ID          string
	Question    *Question
	Knowledge   []KnowledgeItem
	Diary       []DiaryEntry
	URLs        map[string]*URLRecord // keyed by canonicalized URL
	Budget      Budget
	Permissions Permissions
	State       ControllerState

	ConsecutiveToolFailures int
	ReplanBlockAnswerStep   bool // allowAnswer forced false for exactly one step after a replan
	CodeBlockOneStep        bool // allowCode forced false for exactly one step after an answer attempt
}

// Question is the immutable original query plus a mutable queue of
// sub-questions ("gaps") discovered via reflection.
type Question struct {
	Original string
	Gaps     []string // sub-questions only; All() puts the original first. Reflection appends more

	// Requirements is populated once, on first encounter with the original
	// question; empty for sub-questions.
	Requirements []EvaluationRequirement
}

// Current returns the question text selected for this step by round-robin
// over the original plus its gaps.
func (q *Question) Current(totalStepCount int) string {
	all := q.All()
	if len(all) == 0 {
		return q.Original
	}
	return all[totalStepCount%len(all)]
}

// All returns the original question followed by all discovered gaps.
func (q *Question) All() []string {
	all := make([]string, 0, 1+len(q.Gaps))
	all = append(all, q.Original)
	all = append(all, q.Gaps...)
	return all
}

// KnowledgeItemType enumerates the kinds of facts the session accumulates.
type KnowledgeItemType string

const (
	KnowledgeQA           KnowledgeItemType = "qa"
	KnowledgeURL          KnowledgeItemType = "url"
	KnowledgeSideInfo     KnowledgeItemType = "side-info"
	KnowledgeErrorAnalysis KnowledgeItemType = "error-analysis"
)

// KnowledgeItem is one append-only fact the agent has learned.
type KnowledgeItem struct {
	ID        string // correlation ID, independent of snowflake's session-ID ordering
	Question  string
	Answer    string
	Type      KnowledgeItemType
	Timestamp time.Time
}

// DiaryEntry is a first-person narrative record of one step, used only for
// prompt construction. The diary is resettable: cleared on evaluator
// failure while the knowledge store is preserved.
type DiaryEntry struct {
	Step    int
	Content string
}

// URLVisitState is the lifecycle of a discovered URL.
type URLVisitState string

const (
	URLUnseen  URLVisitState = "unseen"
	URLQueued  URLVisitState = "queued"
	URLVisited URLVisitState = "visited"
	URLFailed  URLVisitState = "failed"
)

// URLRecord tracks one canonicalized URL's ranking and visit state.
type URLRecord struct {
	URL         string
	Title       string
	Snippet     string
	SourceStep  int
	VisitState  URLVisitState
	BoostScore  float64
	LastError   string
	Content     string // extracted text, populated once visited
	PublishedAt *time.Time
}

// EvaluationDimension is one axis the Evaluator scores a candidate answer on.
type EvaluationDimension string

const (
	DimensionDefinitive  EvaluationDimension = "definitive"
	DimensionFreshness   EvaluationDimension = "freshness"
	DimensionPlurality   EvaluationDimension = "plurality"
	DimensionAttribution EvaluationDimension = "attribution"
	DimensionCompleteness EvaluationDimension = "completeness"
	DimensionStrict      EvaluationDimension = "strict"
)

// DefaultEvaluatorOrder is the fixed dimension processing order from the
// spec. Exposed as a value (not a constant) so a caller can override it for
// migration testing.
var DefaultEvaluatorOrder = []EvaluationDimension{
	DimensionFreshness,
	DimensionPlurality,
	DimensionAttribution,
	DimensionCompleteness,
	DimensionStrict,
}

// EvaluationRequirement is one (dimension, remaining-attempts) pair in the
// per-question requirement multiset.
type EvaluationRequirement struct {
	Dimension         EvaluationDimension
	RemainingAttempts int
}

// Permissions gates which actions the LLM may currently choose.
type Permissions struct {
	AllowAnswer  bool
	AllowSearch  bool
	AllowRead    bool
	AllowReflect bool
	AllowCode    bool
}

// AnyAllowed reports whether at least one action is currently permitted;
// when false, gate #6 forces beast mode.
func (p Permissions) AnyAllowed() bool {
	return p.AllowAnswer || p.AllowSearch || p.AllowRead || p.AllowReflect || p.AllowCode
}
