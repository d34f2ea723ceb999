package actionschema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/deepresearch/agent/internal/domain"
)

func TestAllowedKindsFollowsPermissionOrder(t *testing.T) {
	perms := domain.Permissions{AllowCode: true, AllowAnswer: true}
	got := AllowedKinds(perms)
	want := []Kind{KindCode, KindAnswer}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAllowedKindsEmptyWhenNothingPermitted(t *testing.T) {
	if kinds := AllowedKinds(domain.Permissions{}); len(kinds) != 0 {
		t.Errorf("expected no permitted kinds, got %v", kinds)
	}
}

func TestParseUnionRejectsDisallowedKind(t *testing.T) {
	perms := domain.Permissions{AllowSearch: true}
	raw := json.RawMessage(`{"kind":"answer","think":"t","answer":"final"}`)

	_, err := ParseUnion(perms, raw)
	if err == nil {
		t.Fatal("expected an error for a disallowed kind")
	}
	var unknownErr *UnknownKindError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected *UnknownKindError, got %T: %v", err, err)
	}
	if unknownErr.Kind != KindAnswer {
		t.Errorf("expected Kind=answer, got %q", unknownErr.Kind)
	}
}

func TestParseUnionSearch(t *testing.T) {
	perms := domain.Permissions{AllowSearch: true}
	raw := json.RawMessage(`{"kind":"search","think":"looking","queries":["go 1.24 release notes", ""]}`)

	action, err := ParseUnion(perms, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != KindSearch {
		t.Errorf("expected KindSearch, got %q", action.Kind)
	}
	if len(action.SearchQueries) != 2 {
		t.Errorf("expected queries to be carried through verbatim, got %v", action.SearchQueries)
	}
}

func TestParseUnionAnswerCarriesReferences(t *testing.T) {
	perms := domain.Permissions{AllowAnswer: true}
	raw := json.RawMessage(`{
		"kind": "answer",
		"think": "done",
		"answer": "the answer",
		"references": [{"url":"https://a.com","exact_quote":"q","title":"A","relevance_score":0.9}]
	}`)

	action, err := ParseUnion(perms, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.AnswerText != "the answer" {
		t.Errorf("expected answer text carried through, got %q", action.AnswerText)
	}
	if len(action.AnswerReferences) != 1 || action.AnswerReferences[0].URL != "https://a.com" {
		t.Errorf("expected one reference, got %+v", action.AnswerReferences)
	}
}

func TestBuildUnionSchemaNamesTheAction(t *testing.T) {
	schema := BuildUnionSchema(domain.Permissions{AllowAnswer: true})
	if schema.Name != "agent_action" {
		t.Errorf("expected schema name agent_action, got %q", schema.Name)
	}
	if schema.JSONSchema == nil {
		t.Error("expected a non-nil JSON schema")
	}
	if schema.Distilled == nil {
		t.Error("expected a non-nil distilled fallback schema")
	}
	if schema.FromDistilled == nil {
		t.Fatal("expected a non-nil FromDistilled converter")
	}

	expanded, err := schema.FromDistilled(json.RawMessage(`{"kind":"answer","think":"t","value":"final answer"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	action, err := ParseUnion(domain.Permissions{AllowAnswer: true}, expanded)
	if err != nil {
		t.Fatalf("expanded distilled object did not parse: %v", err)
	}
	if action.AnswerText != "final answer" {
		t.Errorf("expected answer text %q, got %q", "final answer", action.AnswerText)
	}
}

func TestFromDistilledSplitsMultiValueFields(t *testing.T) {
	expanded, err := FromDistilled(json.RawMessage(`{"kind":"search","think":"t","value":"go 1.24 release notes;go 1.24 changelog"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	action, err := ParseUnion(domain.Permissions{AllowSearch: true}, expanded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"go 1.24 release notes", "go 1.24 changelog"}
	if len(action.SearchQueries) != len(want) {
		t.Fatalf("expected %d queries, got %v", len(want), action.SearchQueries)
	}
	for i := range want {
		if action.SearchQueries[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, action.SearchQueries[i], want[i])
		}
	}
}

func TestFromDistilledRejectsUnknownKind(t *testing.T) {
	_, err := FromDistilled(json.RawMessage(`{"kind":"bogus","think":"t","value":"x"}`))
	if err == nil {
		t.Fatal("expected an error for an unrecognized kind")
	}
	var unknownErr *UnknownKindError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected *UnknownKindError, got %T: %v", err, err)
	}
}
