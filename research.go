// Package agent is the public entry point to the research loop: one
// research(request) -> result call per spec §6, wiring the controller to
// concrete tool and LLM Port implementations.
package agent

import (
	"context"
	"fmt"

	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/internal/controller"
	"github.com/deepresearch/agent/internal/domain"
	"github.com/deepresearch/agent/internal/ratelimit"
	"github.com/deepresearch/agent/internal/stepexecutor"
	"github.com/deepresearch/agent/internal/toolport"
	"github.com/deepresearch/agent/internal/toolport/coderunner"
	"github.com/deepresearch/agent/internal/toolport/fetchclient"
	"github.com/deepresearch/agent/internal/toolport/searchvendor"
)

// Config wires together the collaborators a running Agent needs. Zero-value
// fields fall back to conservative in-process defaults (no Redis-backed
// rate limiting, no code execution).
type Config struct {
	LLM llm.AgentClient

	SearchBaseURL string
	SearchAPIKey  string
	SearchQPS     float64

	EnableCode bool

	SearchLimiter ratelimit.Limiter

	// DebugDir, if set, receives a per-session subdirectory holding each
	// session's diary and knowledge transcript (see internal/debugrun).
	DebugDir string
}

// Agent is a configured, reusable handle for running research sessions.
// It holds no per-session state; Run constructs a fresh Session, Store,
// Diary and Ranker on every call.
type Agent struct {
	controller *controller.Controller
}

// New builds an Agent from cfg, wiring the Search/Fetch/Code tool ports the
// Step Executor will dispatch to.
func New(cfg Config) (*Agent, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("agent: Config.LLM is required")
	}

	var search toolport.SearchPort
	if cfg.SearchBaseURL != "" {
		search = searchvendor.New(cfg.SearchBaseURL, cfg.SearchAPIKey, cfg.SearchQPS)
		if cfg.SearchLimiter != nil {
			search = &rateLimitedSearch{inner: search, limiter: cfg.SearchLimiter}
		}
	}

	var code toolport.CodeRunner
	if cfg.EnableCode {
		code = coderunner.New()
	}

	fetch := fetchclient.New(toolport.FetchTimeout)

	ctl := controller.New(controller.Deps{
		LLM: cfg.LLM,
		Tools: stepexecutor.Deps{
			// Ranker is left nil here: the controller overrides it with a
			// fresh per-session Ranker on every dispatch (spec §3, no
			// record shared across sessions).
			Search: search,
			Fetch:  fetch,
			Code:   code,
			LLM:    cfg.LLM,
		},
		DebugDir: cfg.DebugDir,
	})

	return &Agent{controller: ctl}, nil
}

// rateLimitedSearch wraps a SearchPort with a process-wide shared limiter
// (e.g. a Redis-backed bucket), so every session draws from the same
// per-vendor budget regardless of which process instance serves it.
type rateLimitedSearch struct {
	inner   toolport.SearchPort
	limiter ratelimit.Limiter
}

func (r *rateLimitedSearch) Query(ctx context.Context, q string, opts toolport.SearchOptions) ([]toolport.SearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("agent: search rate limit wait: %w", err)
	}
	return r.inner.Query(ctx, q, opts)
}

// Run executes one research session for req and returns its terminal
// Result: a direct answer, the best answer found before a bound was hit, or
// a failure/cancellation reason. See domain.Request and domain.Result for
// the full invocation contract.
func (a *Agent) Run(ctx context.Context, req domain.Request) (domain.Result, error) {
	return a.controller.Run(ctx, req)
}
