package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
)

// Kind classifies why generateObject failed, matching the error taxonomy:
// validation failures are absorbed by the controller as tool failures,
// vendor-transport failures are retried, vendor-client failures are not.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindVendorTransport Kind = "vendor_transport"
	KindVendorClient    Kind = "vendor_client"
	KindTimeout         Kind = "timeout"
	KindCancellation    Kind = "cancellation"
)

// GenerateError reports a generateObject failure with its classification and
// the prompt-token usage of the attempts made before the failure, so the
// caller can still account for that spend. Completion tokens of those
// attempts are not carried.
type GenerateError struct {
	Kind         Kind
	Err          error
	PromptTokens int
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("generate object (%s): %v", e.Kind, e.Err)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// ObjectResult is the successful outcome of generateObject: the raw JSON
// object plus the tokens the call consumed.
type ObjectResult struct {
	Object           json.RawMessage
	PromptTokens     int
	CompletionTokens int
	// FallbackStage records which stage of the structured-output fallback
	// chain produced the result, for observability ("native", "extracted",
	// "repaired", "lenient", "distilled").
	FallbackStage string
}

// Schema describes one named, permitted structured-output contract: its
// vendor-native JSON schema and an optional distilled variant that flattens
// nested fields into primitive keys, used as a last-resort fallback.
type Schema struct {
	Name       string
	JSONSchema any
	Distilled  any // nil if no distilled fallback is defined for this schema

	// FromDistilled re-expands a response already matching Distilled's
	// flattened shape into the full JSONSchema shape. Only consulted when
	// Distilled is non-nil; a schema with Distilled set but FromDistilled
	// nil never reaches the distilled fallback stage.
	FromDistilled func(json.RawMessage) (json.RawMessage, error)
}

const defaultParseRetries = 2
const transportMaxAttempts = 3

var transportBackoffSchedule = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// GenerateObject implements the LLM Port contract:
//
//	generateObject(schemaId, system, messages, retries=2) -> {object, tokensUsed} | fail(kind)
//
// Parse/validation retries (up to `retries`) are distinct from vendor
// transport retries, which use their own fixed backoff schedule capped at
// three attempts and are not counted against the caller's retry budget.
func GenerateObject(ctx context.Context, client AgentClient, schema Schema, system string, messages []Message, retries int) (*ObjectResult, error) {
	if retries <= 0 {
		retries = defaultParseRetries
	}

	var lastErr error
	var totalPrompt, totalCompletion int

	for attempt := 0; attempt <= retries; attempt++ {
		req := AgentRequest{
			Messages: append([]Message{{Role: "system", Content: system}}, messages...),
			Tools: []Tool{{
				Name:        "emit_" + schema.Name,
				Description: "Emit the structured result for " + schema.Name + ".",
				Parameters:  schema.JSONSchema,
				Strict:      true,
			}},
		}

		resp, err := chatWithTransportRetry(ctx, client, req)
		if err != nil {
			var genErr *GenerateError
			if errors.As(err, &genErr) {
				genErr.PromptTokens += totalPrompt
				return nil, genErr
			}
			return nil, &GenerateError{Kind: KindVendorTransport, Err: err, PromptTokens: totalPrompt}
		}

		totalPrompt += resp.PromptTokens
		totalCompletion += resp.CompletionTokens

		obj, stage, err := extractStructuredObject(resp, schema)
		if err == nil {
			return &ObjectResult{
				Object:           obj,
				PromptTokens:     totalPrompt,
				CompletionTokens: totalCompletion,
				FallbackStage:    stage,
			}, nil
		}

		lastErr = err
		slog.WarnContext(ctx, "structured output parse failed, retrying",
			"schema", schema.Name, "attempt", attempt, "error", err)

		messages = append(messages, Message{
			Role:    "user",
			Content: fmt.Sprintf("Your previous response could not be parsed as valid %s: %v. Respond again with valid structured output only.", schema.Name, err),
		})
	}

	if schema.Distilled != nil && schema.FromDistilled != nil {
		obj, promptTokens, completionTokens, err := generateDistilled(ctx, client, schema, system, messages)
		totalPrompt += promptTokens
		totalCompletion += completionTokens
		if err == nil {
			return &ObjectResult{
				Object:           obj,
				PromptTokens:     totalPrompt,
				CompletionTokens: totalCompletion,
				FallbackStage:    "distilled",
			}, nil
		}
		lastErr = fmt.Errorf("distilled fallback: %w", err)
	}

	return nil, &GenerateError{Kind: KindValidation, Err: fmt.Errorf("exhausted %d retries: %w", retries, lastErr), PromptTokens: totalPrompt}
}

// generateDistilled is the last-resort fallback stage: it re-asks the model
// for schema.Distilled's flattened shape (primitive keys are easier for a
// struggling model to produce correctly than the full nested schema) and
// re-expands a successful response via schema.FromDistilled.
func generateDistilled(ctx context.Context, client AgentClient, schema Schema, system string, messages []Message) (json.RawMessage, int, int, error) {
	req := AgentRequest{
		Messages: append([]Message{{Role: "system", Content: system}}, messages...),
		Tools: []Tool{{
			Name:        "emit_" + schema.Name + "_distilled",
			Description: "Emit a flattened, simplified result for " + schema.Name + " since the structured form above kept failing.",
			Parameters:  schema.Distilled,
		}},
	}

	resp, err := chatWithTransportRetry(ctx, client, req)
	if err != nil {
		var genErr *GenerateError
		if errors.As(err, &genErr) {
			return nil, genErr.PromptTokens, 0, genErr
		}
		return nil, 0, 0, err
	}

	raw := distilledRawContent(resp)
	if raw == "" {
		return nil, resp.PromptTokens, resp.CompletionTokens, fmt.Errorf("no distilled output found in response (finish_reason=%s)", resp.FinishReason)
	}

	expanded, err := schema.FromDistilled(json.RawMessage(raw))
	if err != nil {
		return nil, resp.PromptTokens, resp.CompletionTokens, err
	}
	return expanded, resp.PromptTokens, resp.CompletionTokens, nil
}

// distilledRawContent extracts a JSON object out of a distilled-stage
// response, trying the native tool call first and free-form content second.
func distilledRawContent(resp *AgentResponse) string {
	for _, tc := range resp.ToolCalls {
		if json.Valid([]byte(tc.Arguments)) {
			return tc.Arguments
		}
	}
	if raw := extractJSONObject(resp.Content); raw != "" && json.Valid([]byte(raw)) {
		return raw
	}
	return ""
}

// extractStructuredObject runs the fallback chain against a single response:
// vendor-native tool call -> free-form + manual JSON extraction -> repair ->
// lenient dialect -> failure. The distilled schema is a further fallback
// handled separately by generateDistilled, since it requires asking the
// model again with a different tool shape rather than re-reading this
// response.
func extractStructuredObject(resp *AgentResponse, schema Schema) (json.RawMessage, string, error) {
	for _, tc := range resp.ToolCalls {
		if json.Valid([]byte(tc.Arguments)) {
			return json.RawMessage(tc.Arguments), "native", nil
		}
	}

	if raw := extractJSONObject(resp.Content); raw != "" && json.Valid([]byte(raw)) {
		return json.RawMessage(raw), "extracted", nil
	}

	if raw := extractJSONObject(resp.Content); raw != "" {
		if repaired := repairJSON(raw); json.Valid([]byte(repaired)) {
			return json.RawMessage(repaired), "repaired", nil
		}
	}

	if raw := extractJSONObject(resp.Content); raw != "" {
		if lenient, err := parseLenientJSON(raw); err == nil {
			return lenient, "lenient", nil
		}
	}

	return nil, "", fmt.Errorf("no structured output found in response (finish_reason=%s)", resp.FinishReason)
}

// chatWithTransportRetry wraps a single ChatWithTools call with vendor
// transport retry: exponential backoff (250ms, 500ms, 1s +/- 20% jitter),
// capped at three attempts, honoring Retry-After on 429 and never retrying
// 4xx other than 429.
func chatWithTransportRetry(ctx context.Context, client AgentClient, req AgentRequest) (*AgentResponse, error) {
	operation := func() (*AgentResponse, error) {
		resp, err := client.ChatWithTools(ctx, req)
		if err == nil {
			return resp, nil
		}

		if errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(&GenerateError{Kind: KindCancellation, Err: err})
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, backoff.Permanent(&GenerateError{Kind: KindTimeout, Err: err})
		}

		if retryAfter, retryable := classifyVendorError(err); !retryable {
			return nil, backoff.Permanent(&GenerateError{Kind: KindVendorClient, Err: err})
		} else if retryAfter > 0 {
			return nil, backoff.RetryAfter(retryAfter)
		}

		return nil, &GenerateError{Kind: KindVendorTransport, Err: err}
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&jitteredScheduleBackoff{schedule: transportBackoffSchedule}),
		backoff.WithMaxTries(transportMaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classifyVendorError reports whether a vendor HTTP error should be retried
// and, for 429s, how long the vendor asked us to wait.
func classifyVendorError(err error) (retryAfter time.Duration, retryable bool) {
	var status int
	var resp *http.Response
	var openaiErr *openai.Error
	var anthropicErr *anthropic.Error
	switch {
	case errors.As(err, &openaiErr):
		status, resp = openaiErr.StatusCode, openaiErr.Response
	case errors.As(err, &anthropicErr):
		status, resp = anthropicErr.StatusCode, anthropicErr.Response
	default:
		// No structured API error: treat as a transient network error.
		return 0, true
	}
	switch {
	case status == http.StatusTooManyRequests:
		return parseRetryAfter(resp), true
	case status >= 500:
		return 0, true
	default:
		return 0, false
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		return time.Until(when)
	}
	return 0
}

// jitteredScheduleBackoff replays a fixed schedule of durations with +/-20%
// jitter, matching the spec's 250ms/500ms/1s sequence rather than a
// computed exponential curve.
type jitteredScheduleBackoff struct {
	schedule []time.Duration
	attempt  int
}

func (b *jitteredScheduleBackoff) NextBackOff() time.Duration {
	if b.attempt >= len(b.schedule) {
		b.attempt++
		return backoff.Stop
	}
	base := b.schedule[b.attempt]
	b.attempt++
	return jitter(base, 0.2)
}

func (b *jitteredScheduleBackoff) Reset() {
	b.attempt = 0
}

func jitter(base time.Duration, frac float64) time.Duration {
	delta := time.Duration(float64(base) * frac)
	// Deterministic jitter seed derived from the duration itself rather than
	// math/rand: retries are few and this avoids a shared PRNG under
	// concurrent sessions.
	sign := int64(base) % 2
	if sign == 0 {
		return base + delta
	}
	return base - delta
}

// extractJSONObject pulls the first top-level {...} or fenced ```json block
// out of free-form text.
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content, "\n"); idx != -1 {
			content = content[idx+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		return strings.TrimSpace(content)
	}

	start := strings.IndexByte(content, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

// repairJSON fixes trailing commas before a closing brace or bracket, a
// common malformation in LLM output. Single-quoted strings are left to
// parseLenientJSON.
func repairJSON(raw string) string {
	s := raw
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	return s
}

// parseLenientJSON accepts single-quoted strings by replacing every single
// quote with a double quote, then re-encodes the result as strict JSON.
// Unquoted keys are not accepted. It is a best-effort last resort before
// falling back to a distilled schema.
func parseLenientJSON(raw string) (json.RawMessage, error) {
	var v any
	normalized := strings.ReplaceAll(raw, "'", "\"")
	if err := json.Unmarshal([]byte(normalized), &v); err != nil {
		return nil, fmt.Errorf("lenient parse: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
