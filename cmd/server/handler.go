package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	agent "github.com/deepresearch/agent"
	"github.com/deepresearch/agent/common/logger"
	"github.com/deepresearch/agent/core/config"
	"github.com/deepresearch/agent/internal/domain"
)

// researchRequest is the JSON wire shape of a POST /v1/research call,
// mirroring domain.Request (spec §6).
type researchRequest struct {
	Question string           `json:"question" binding:"required"`
	Messages []domain.Message `json:"messages,omitempty"`

	TokenBudget    int  `json:"token_budget,omitempty"`
	MaxBadAttempts int  `json:"max_bad_attempts,omitempty"`
	MaxSteps       int  `json:"max_steps,omitempty"`
	MaxDurationMs  int  `json:"max_duration_ms,omitempty"`
	StepTimeoutMs  int  `json:"step_timeout_ms,omitempty"`
	NoDirectAnswer bool `json:"no_direct_answer,omitempty"`

	BoostHostnames []string `json:"boost_hostnames,omitempty"`
	BadHostnames   []string `json:"bad_hostnames,omitempty"`
	OnlyHostnames  []string `json:"only_hostnames,omitempty"`

	MaxReturnedURLs   int     `json:"max_returned_urls,omitempty"`
	MaxReferences     int     `json:"max_references,omitempty"`
	MinRelevanceScore float64 `json:"min_relevance_score,omitempty"`

	LanguageCode       string `json:"language_code,omitempty"`
	SearchLanguageCode string `json:"search_language_code,omitempty"`
	SearchProvider     string `json:"search_provider,omitempty"`
	WithImages         bool   `json:"with_images,omitempty"`
}

func (r researchRequest) toDomain(defaults configDefaults) domain.Request {
	req := domain.Request{
		Question:          r.Question,
		Messages:          r.Messages,
		TokenBudget:       firstPositive(r.TokenBudget, defaults.TokenBudget),
		MaxBadAttempts:    firstPositive(r.MaxBadAttempts, defaults.MaxBadAttempts),
		MaxSteps:          firstPositive(r.MaxSteps, defaults.MaxSteps),
		MaxDurationMs:     firstPositive(r.MaxDurationMs, defaults.MaxDurationMs),
		StepTimeoutMs:     firstPositive(r.StepTimeoutMs, defaults.StepTimeoutMs),
		NoDirectAnswer:    r.NoDirectAnswer,
		BoostHostnames:    r.BoostHostnames,
		BadHostnames:      r.BadHostnames,
		OnlyHostnames:     r.OnlyHostnames,
		MaxReturnedURLs:   r.MaxReturnedURLs,
		MaxReferences:     r.MaxReferences,
		MinRelevanceScore: r.MinRelevanceScore,
		LanguageCode:      r.LanguageCode,
		SearchLanguageCode: r.SearchLanguageCode,
		SearchProvider:    r.SearchProvider,
		WithImages:        r.WithImages,
	}
	return req
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type configDefaults struct {
	TokenBudget    int
	MaxBadAttempts int
	MaxSteps       int
	MaxDurationMs  int
	StepTimeoutMs  int
}

// handleResearch adapts one HTTP request into an agent.Run call, blocking
// for the full bounded research loop before responding. Per-request fields
// left unset fall back to cfg's process-wide defaults.
func handleResearch(researchAgent *agent.Agent, cfg config.Config) gin.HandlerFunc {
	defaults := configDefaults{
		TokenBudget:    cfg.TokenBudget,
		MaxBadAttempts: cfg.MaxBadAttempts,
		MaxSteps:       cfg.MaxSteps,
		MaxDurationMs:  int(cfg.MaxDuration.Milliseconds()),
		StepTimeoutMs:  int(cfg.StepTimeout.Milliseconds()),
	}

	return func(c *gin.Context) {
		var body researchRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sessionLogID := strconv.FormatInt(time.Now().UnixNano(), 36)
		ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
			SessionID: sessionLogID,
			Component: "cmd.server",
		})

		result, err := researchAgent.Run(ctx, body.toDomain(defaults))
		if err != nil {
			slog.ErrorContext(ctx, "research run failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// requestLogger is a minimal gin middleware logging each request's method,
// path, status and latency via slog, enriched with the request's OTel trace
// context when present.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		slog.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
