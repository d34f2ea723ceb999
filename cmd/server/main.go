package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	agent "github.com/deepresearch/agent"
	"github.com/deepresearch/agent/common/id"
	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/common/logger"
	"github.com/deepresearch/agent/common/telemetry"
	"github.com/deepresearch/agent/core/config"
	"github.com/deepresearch/agent/internal/ratelimit"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("RESEARCH_CONFIG_FILE"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	otelHandle, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if otelHandle != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "deepresearch agent starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	llmClient, err := llm.NewAgentClient(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   apiKeyFor(cfg),
		BaseURL:  baseURLFor(cfg),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build llm client", "error", err)
		os.Exit(1)
	}

	var searchLimiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisClient, rerr := newRedisClient(cfg.RedisURL)
		if rerr != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", rerr)
			os.Exit(1)
		}
		searchLimiter = ratelimit.NewRedis(redisClient, "ratelimit:search", 10, 2.0)
		slog.InfoContext(ctx, "redis-backed search rate limiter configured")
	}

	researchAgent, err := agent.New(agent.Config{
		LLM:           llmClient,
		SearchBaseURL: cfg.SearchBaseURL,
		SearchAPIKey:  cfg.SearchAPIKey,
		SearchQPS:     5,
		EnableCode:    true,
		SearchLimiter: searchLimiter,
		DebugDir:      cfg.DebugDir,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build research agent", "error", err)
		os.Exit(1)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, researchAgent)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // research requests run the full bounded loop synchronously
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if otelHandle != nil {
		if err := otelHandle.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, researchAgent *agent.Agent) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span -> Recovery catches panics -> Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.POST("/v1/research", handleResearch(researchAgent, cfg))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return router
}

func apiKeyFor(cfg config.Config) string {
	if cfg.LLMProvider == "anthropic" {
		return cfg.AnthropicAPIKey
	}
	return cfg.OpenAIAPIKey
}

func baseURLFor(cfg config.Config) string {
	if cfg.LLMProvider == "anthropic" {
		return cfg.AnthropicBaseURL
	}
	return cfg.OpenAIBaseURL
}

const banner = `
██████╗ ███████╗██╗      █████╗ ██╗   ██╗    ███████╗███████╗██████╗ ██╗   ██╗███████╗██████╗
██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝    ██╔════╝██╔════╝██╔══██╗██║   ██║██╔════╝██╔══██╗
██████╔╝█████╗  ██║     ███████║ ╚████╔╝     ███████╗█████╗  ██████╔╝██║   ██║█████╗  ██████╔╝
██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝      ╚════██║██╔══╝  ██╔══██╗╚██╗ ██╔╝██╔══╝  ██╔══██╗
██║  ██║███████╗███████╗██║  ██║   ██║       ███████║███████╗██║  ██║ ╚████╔╝ ███████╗██║  ██║
╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝       ╚══════╝╚══════╝╚═╝  ╚═╝  ╚═══╝  ╚══════╝╚═╝  ╚═╝
`
