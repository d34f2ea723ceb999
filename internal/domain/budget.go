package domain

import "time"

// DefaultBeastModeReserveFraction is the default share of tokenBudget reserved for
// the single forced-answer attempt once the regular loop is cut off.
// Configurable per spec §9's open question about the 85/15 split.
const DefaultBeastModeReserveFraction = 0.15

// Budget tracks token consumption, wall-clock, and step counts for one
// session, and decides when to hand off to beast mode.
//
// Invariant: TokensUsed is monotone non-decreasing; StepCount and
// TotalStepCount are strictly increasing per iteration; StepCount may reset
// on replan, TotalStepCount never does.
type Budget struct {
	TokenBudget    int
	TokensUsed     int
	StepLimit      int
	StepCount      int
	TotalStepCount int
	Deadline       time.Time
	StartTime      time.Time

	ReserveFraction float64 // defaults to DefaultBeastModeReserveFraction when zero
	FailureLimit    int
}

func (b *Budget) reserveFraction() float64 {
	if b.ReserveFraction <= 0 {
		return DefaultBeastModeReserveFraction
	}
	return b.ReserveFraction
}

// RecordTokens adds n to TokensUsed. n must be non-negative; the caller
// (LLM Port) always reports usage even on failure.
func (b *Budget) RecordTokens(n int) {
	if n > 0 {
		b.TokensUsed += n
	}
}

// TickStep advances both step counters. Call exactly once per loop
// iteration, right after the iteration's LLM call and before its action is
// dispatched, so the dispatched action sees the step number it belongs to.
func (b *Budget) TickStep() {
	b.StepCount++
	b.TotalStepCount++
}

// ResetStepCount zeroes StepCount on replan; TotalStepCount is untouched.
func (b *Budget) ResetStepCount() {
	b.StepCount = 0
}

// RemainingBudget returns the unspent token allowance within the regular
// (non-beast-mode) 85% slice.
func (b *Budget) RemainingBudget() int {
	regular := int(float64(b.TokenBudget) * (1 - b.reserveFraction()))
	remaining := regular - b.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OverBeastThreshold reports whether tokensUsed has crossed the regular-loop
// ceiling (gate #2).
func (b *Budget) OverBeastThreshold() bool {
	threshold := float64(b.TokenBudget) * (1 - b.reserveFraction())
	return float64(b.TokensUsed) >= threshold
}

// DeadlineExceeded reports whether the session wall-clock deadline has
// passed (gate #4).
func (b *Budget) DeadlineExceeded(now time.Time) bool {
	return !b.Deadline.IsZero() && !now.Before(b.Deadline)
}

// StepLimitExceeded reports whether the total step count has reached the
// configured ceiling (gate #3).
func (b *Budget) StepLimitExceeded() bool {
	return b.StepLimit > 0 && b.TotalStepCount >= b.StepLimit
}
