package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	agent "github.com/deepresearch/agent"
	"github.com/deepresearch/agent/common/llm"
	"github.com/deepresearch/agent/common/logger"
	"github.com/deepresearch/agent/core/config"
	"github.com/deepresearch/agent/internal/domain"
)

const cliVersion = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "deepresearch [question]",
		Short: "deepresearch — bounded web research agent",
		Long:  "deepresearch runs one research session against the configured LLM and search backends and prints the final answer.",
		Args:  cobra.ArbitraryArgs,
		RunE:  runResearch,
	}

	rootCmd.Flags().String("config", "", "path to a config file (defaults to ./config.yaml)")
	rootCmd.Flags().Int("token-budget", 0, "override the token budget for this run")
	rootCmd.Flags().Int("max-steps", 0, "override the step limit for this run")
	rootCmd.Flags().Duration("max-duration", 0, "override the wall-clock duration limit for this run")
	rootCmd.Flags().Bool("no-direct-answer", false, "force at least one search before answering")
	rootCmd.Flags().Bool("json", false, "print the full result as JSON instead of just the answer")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deepresearch v%s\n", cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runResearch(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	if question == "" {
		return fmt.Errorf("a question is required, e.g. deepresearch \"what changed in go 1.24\"")
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Setup(cfg)

	llmClient, err := llm.NewAgentClient(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   apiKeyFor(cfg),
		BaseURL:  baseURLFor(cfg),
	})
	if err != nil {
		return fmt.Errorf("building llm client: %w", err)
	}

	researchAgent, err := agent.New(agent.Config{
		LLM:           llmClient,
		SearchBaseURL: cfg.SearchBaseURL,
		SearchAPIKey:  cfg.SearchAPIKey,
		SearchQPS:     5,
		EnableCode:    true,
		DebugDir:      cfg.DebugDir,
	})
	if err != nil {
		return fmt.Errorf("building research agent: %w", err)
	}

	req := domain.Request{Question: question}
	if v, _ := cmd.Flags().GetInt("token-budget"); v > 0 {
		req.TokenBudget = v
	}
	if v, _ := cmd.Flags().GetInt("max-steps"); v > 0 {
		req.MaxSteps = v
	}
	if v, _ := cmd.Flags().GetDuration("max-duration"); v > 0 {
		req.MaxDurationMs = int(v.Milliseconds())
	}
	req.NoDirectAnswer, _ = cmd.Flags().GetBool("no-direct-answer")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Fprintln(os.Stderr, "researching...")
	result, err := researchAgent.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("research run: %w", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println(result.Answer)
	if result.FailedReason != "" {
		fmt.Fprintln(os.Stderr, "failed:", result.FailedReason)
	}
	for _, ref := range result.References {
		fmt.Printf("- %s (%s)\n", ref.URL, ref.Title)
	}
	return nil
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
