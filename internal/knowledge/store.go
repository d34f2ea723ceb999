// Package knowledge holds the append-only Knowledge Store and the
// resettable Diary (spec §3, §4.1 replanning reset).
package knowledge

import (
	"time"

	"github.com/google/uuid"

	"github.com/deepresearch/agent/internal/domain"
)

// PresentedCap is the maximum number of knowledge items shown to the LLM in
// a single prompt; all items are still retained for the final answer.
const PresentedCap = 100

// Store is the append-only knowledge log for one session.
type Store struct {
	items []domain.KnowledgeItem
}

// NewStore returns an empty knowledge store.
func NewStore() *Store {
	return &Store{}
}

// Add appends a new knowledge item. The store never mutates or removes
// existing entries.
func (s *Store) Add(questionText, answer string, kind domain.KnowledgeItemType) domain.KnowledgeItem {
	item := domain.KnowledgeItem{
		ID:        uuid.NewString(),
		Question:  questionText,
		Answer:    answer,
		Type:      kind,
		Timestamp: time.Now(),
	}
	s.items = append(s.items, item)
	return item
}

// All returns every retained knowledge item, for the final answer.
func (s *Store) All() []domain.KnowledgeItem {
	out := make([]domain.KnowledgeItem, len(s.items))
	copy(out, s.items)
	return out
}

// Presented returns at most PresentedCap of the most recent knowledge
// items, for prompt construction.
func (s *Store) Presented() []domain.KnowledgeItem {
	if len(s.items) <= PresentedCap {
		return s.All()
	}
	start := len(s.items) - PresentedCap
	out := make([]domain.KnowledgeItem, PresentedCap)
	copy(out, s.items[start:])
	return out
}

// Len reports the total number of retained items.
func (s *Store) Len() int {
	return len(s.items)
}
