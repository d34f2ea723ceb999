// Package actionschema builds the per-step JSON schema enumerating
// currently-permitted actions (spec §4.3) and defines the Action type the
// Step Executor dispatches on.
package actionschema

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/domain"
)

// Kind discriminates the action variants the controller can receive.
type Kind string

const (
	KindSearch  Kind = "search"
	KindVisit   Kind = "visit"
	KindReflect Kind = "reflect"
	KindCode    Kind = "code"
	KindAnswer  Kind = "answer"
)

// Action is the validated, discriminated-union object returned by the LLM
// Port for one controller step. Every variant carries Think, the model's
// free-form reasoning, which the controller logs but never executes.
type Action struct {
	Kind  Kind
	Think string

	SearchQueries []string

	VisitURLs []string

	ReflectSubQuestions []string

	CodeProgram string

	AnswerText       string
	AnswerReferences []domain.Reference
}

type answerReferenceParam struct {
	URL            string  `json:"url" jsonschema:"required"`
	ExactQuote     string  `json:"exact_quote" jsonschema:"required"`
	Title          string  `json:"title,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// unionParams is the single wire shape the controller asks the LLM Port for
// per step: one emit_action tool carrying a discriminator plus every
// variant's fields as optional. The schema is necessarily looser than five
// separate tools would be (the LLM could in principle name a kind that
// isn't currently permitted); ParseUnion enforces permission membership at
// decode time, which is where it must be enforced anyway since Permissions
// can change between the schema being built and the response arriving.
type unionParams struct {
	Kind  string `json:"kind" jsonschema:"required,description=Exactly one of: search, visit, reflect, code, answer. Must be one of the currently allowed actions."`
	Think string `json:"think" jsonschema:"required,description=Brief reasoning for this step."`

	Queries      []string `json:"queries,omitempty" jsonschema:"description=Search queries. Present only when kind is search."`
	URLs         []string `json:"urls,omitempty" jsonschema:"description=URLs to visit. Present only when kind is visit."`
	SubQuestions []string `json:"sub_questions,omitempty" jsonschema:"description=New sub-questions. Present only when kind is reflect."`
	Program      string   `json:"program,omitempty" jsonschema:"description=Program source. Present only when kind is code."`

	Answer     string                 `json:"answer,omitempty" jsonschema:"description=Final answer text. Present only when kind is answer."`
	References []answerReferenceParam `json:"references,omitempty" jsonschema:"description=Citations backing the answer. Present only when kind is answer."`
}

type distilledUnionParams struct {
	Kind  string `json:"kind"`
	Think string `json:"think"`
	Value string `json:"value"` // flattened: queries, URLs or sub-questions joined by ';', program, or answer
}

// BuildUnionSchema returns the single discriminated-union schema (spec
// §4.3): the sole contract between controller and LLM Port for one step.
// perms does not narrow the schema, which lists every action kind for
// every permission set; ParseUnion rejects a kind that perms does not
// permit.
func BuildUnionSchema(perms domain.Permissions) llm.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	return llm.Schema{
		Name:          "agent_action",
		JSONSchema:    reflector.Reflect(unionParams{}),
		Distilled:     reflector.Reflect(distilledUnionParams{}),
		FromDistilled: FromDistilled,
	}
}

// distilledValueSeparator joins multiple values (search queries, visit URLs,
// reflect sub-questions) into distilledUnionParams.Value, since the
// distilled shape carries only one flattened string field.
const distilledValueSeparator = ";"

// FromDistilled re-expands a distilledUnionParams JSON object into the full
// unionParams shape ParseUnion expects, keyed on the discriminator. It is
// the last-resort fallback stage of the structured-output chain
// (common/llm.GenerateObject), reached only when the model could not
// produce the full shape even after repair and lenient parsing.
func FromDistilled(raw json.RawMessage) (json.RawMessage, error) {
	var d distilledUnionParams
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}

	p := unionParams{Kind: d.Kind, Think: d.Think}
	switch Kind(d.Kind) {
	case KindSearch:
		p.Queries = splitDistilledValue(d.Value)
	case KindVisit:
		p.URLs = splitDistilledValue(d.Value)
	case KindReflect:
		p.SubQuestions = splitDistilledValue(d.Value)
	case KindCode:
		p.Program = d.Value
	case KindAnswer:
		p.Answer = d.Value
	default:
		return nil, &UnknownKindError{Kind: Kind(d.Kind)}
	}

	return json.Marshal(p)
}

func splitDistilledValue(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, distilledValueSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AllowedKinds lists the Kind values perms currently permits, in the fixed
// order search, visit, reflect, code, answer.
func AllowedKinds(perms domain.Permissions) []Kind {
	var kinds []Kind
	if perms.AllowSearch {
		kinds = append(kinds, KindSearch)
	}
	if perms.AllowRead {
		kinds = append(kinds, KindVisit)
	}
	if perms.AllowReflect {
		kinds = append(kinds, KindReflect)
	}
	if perms.AllowCode {
		kinds = append(kinds, KindCode)
	}
	if perms.AllowAnswer {
		kinds = append(kinds, KindAnswer)
	}
	return kinds
}

// ParseUnion decodes raw (the emit_action tool call arguments) into an
// Action, rejecting a kind the schema wasn't built to allow.
func ParseUnion(perms domain.Permissions, raw json.RawMessage) (Action, error) {
	var p unionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Action{}, err
	}

	kind := Kind(p.Kind)
	permitted := false
	for _, k := range AllowedKinds(perms) {
		if k == kind {
			permitted = true
			break
		}
	}
	if !permitted {
		return Action{}, &UnknownKindError{Kind: kind}
	}

	switch kind {
	case KindSearch:
		return Action{Kind: kind, Think: p.Think, SearchQueries: p.Queries}, nil
	case KindVisit:
		return Action{Kind: kind, Think: p.Think, VisitURLs: p.URLs}, nil
	case KindReflect:
		return Action{Kind: kind, Think: p.Think, ReflectSubQuestions: p.SubQuestions}, nil
	case KindCode:
		return Action{Kind: kind, Think: p.Think, CodeProgram: p.Program}, nil
	case KindAnswer:
		refs := make([]domain.Reference, len(p.References))
		for i, r := range p.References {
			refs[i] = domain.Reference{
				URL:            r.URL,
				ExactQuote:     r.ExactQuote,
				Title:          r.Title,
				RelevanceScore: r.RelevanceScore,
			}
		}
		return Action{Kind: kind, Think: p.Think, AnswerText: p.Answer, AnswerReferences: refs}, nil
	default:
		return Action{}, &UnknownKindError{Kind: kind}
	}
}

// UnknownKindError reports an action kind the schema did not permit or
// recognize.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return "unknown or disallowed action kind: " + string(e.Kind)
}
