package domain

// ControllerStateKind tags the variant of ControllerState.
type ControllerStateKind string

const (
	StateIdle       ControllerStateKind = "idle"
	StateDeciding   ControllerStateKind = "deciding"
	StateSearching  ControllerStateKind = "searching"
	StateFetching   ControllerStateKind = "fetching"
	StateReflecting ControllerStateKind = "reflecting"
	StateCoding     ControllerStateKind = "coding"
	StateEvaluating ControllerStateKind = "evaluating"
	StateReplanning ControllerStateKind = "replanning"
	StateBeastMode  ControllerStateKind = "beast_mode"
	StateDone       ControllerStateKind = "done"
	StateFailed     ControllerStateKind = "failed"
	StateCancelled  ControllerStateKind = "cancelled"
)

// ControllerState is the tagged-variant state of one session's controller.
// Only one of the payload fields is meaningful, selected by Kind.
type ControllerState struct {
	Kind ControllerStateKind

	SearchQueries    []string
	FetchURL         string
	SubQuestions     []string
	Program          string
	CandidateAnswer  string
	ReplanAnalysis   string

	DoneAnswer     string
	DoneReferences []Reference
	DoneIsBest     bool

	FailedReason string
	CancelReason string
}

// Terminal reports whether this state ends the session loop.
func (s ControllerState) Terminal() bool {
	switch s.Kind {
	case StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Reference is one citation backing an answer.
type Reference struct {
	URL            string
	ExactQuote     string
	Title          string
	PublishedAt    *string
	RelevanceScore float64
}

// Metrics accumulates incrementally as the loop runs (mirroring how a
// planner-style loop tallies its own counters rather than reconstructing
// them after the fact from the final state).
type Metrics struct {
	TotalSteps       int
	TokensUsed       int
	DurationMs       int64
	ActionCounts     map[string]int
	ToolFailureCount int
}

// NewMetrics returns a zeroed Metrics with its map initialized.
func NewMetrics() Metrics {
	return Metrics{ActionCounts: make(map[string]int)}
}
