package knowledge

import (
	"fmt"

	"github.com/deepresearch/agent/internal/domain"
)

// Diary is a first-person narrative of what the agent did at each step,
// used only for prompt construction. Unlike the Store, it is resettable: on
// evaluator failure the diary is cleared while the knowledge store
// (Store, in store.go) is preserved.
type Diary struct {
	entries []domain.DiaryEntry
}

// NewDiary returns an empty diary.
func NewDiary() *Diary {
	return &Diary{}
}

// Record appends a narrative entry for the given step.
func (d *Diary) Record(step int, format string, args ...any) {
	d.entries = append(d.entries, domain.DiaryEntry{
		Step:    step,
		Content: fmt.Sprintf(format, args...),
	})
}

// Entries returns all narrative entries recorded since the last reset.
func (d *Diary) Entries() []domain.DiaryEntry {
	out := make([]domain.DiaryEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Reset clears the diary. Called on evaluator failure as part of the
// replanning reset; the knowledge store is untouched by this call.
func (d *Diary) Reset() {
	d.entries = nil
}

// Render joins entries into a single narrative block for prompt inclusion.
func (d *Diary) Render() string {
	var out string
	for _, e := range d.entries {
		out += e.Content + "\n"
	}
	return out
}
