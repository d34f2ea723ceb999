// Package config loads application configuration in layers: built-in
// defaults, an optional config file, then environment variables, matching
// the precedence used by agent gateways in this space.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// OTelConfig holds OpenTelemetry exporter configuration.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

// Enabled reports whether an OTLP endpoint has been configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// ModelConfig selects a model for one LLM-driven role (planning, evaluation,
// error analysis, query rewriting). An empty Model falls back to the
// provider's default.
type ModelConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// Config holds all application configuration for a research agent process.
type Config struct {
	Env  string `mapstructure:"env"`
	Port string `mapstructure:"port"`

	OTel OTelConfig

	// LLM provider selection and credentials (spec §6).
	LLMProvider    string `mapstructure:"llm_provider"`
	SearchProvider string `mapstructure:"search_provider"`

	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`
	SearchAPIKey    string `mapstructure:"search_api_key"`
	SearchBaseURL   string `mapstructure:"search_base_url"`

	// Per-role model overrides: "planner", "evaluator", "error_analyzer", "query_rewriter".
	Models map[string]ModelConfig `mapstructure:"models"`

	// Research loop budgets — defaults for requests that don't override them.
	// BeastModeReserve and FailureLimit are loaded (and BeastModeReserve
	// validated) but not passed on: the controller uses
	// domain.DefaultBeastModeReserveFraction and its own failure limit of 3.
	TokenBudget       int           `mapstructure:"token_budget"`
	MaxSteps          int           `mapstructure:"max_steps"`
	MaxBadAttempts    int           `mapstructure:"max_bad_attempts"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	BeastModeReserve  float64       `mapstructure:"beast_mode_reserve"`
	FailureLimit      int           `mapstructure:"failure_limit"`

	// Redis is optional: when empty, rate-limit buckets are process-local only.
	RedisURL string `mapstructure:"redis_url"`

	// DebugDir is optional: when empty, no per-session debug transcripts
	// are written.
	DebugDir string `mapstructure:"debug_dir"`
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load loads configuration from (in increasing precedence): built-in
// defaults, an optional config file (YAML or JSON, resolved via
// configPath), then RESEARCH_-prefixed environment variables. It also
// loads a .env file from the working directory if present, for local
// development convenience.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".deepresearch"))
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("RESEARCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.OTel = OTelConfig{
		ServiceName:    v.GetString("otel.service_name"),
		ServiceVersion: v.GetString("otel.service_version"),
		Endpoint:       v.GetString("otel.endpoint"),
		Headers:        v.GetString("otel.headers"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.LLMProvider != "openai" && c.LLMProvider != "anthropic" {
		return fmt.Errorf("llm_provider must be 'openai' or 'anthropic', got %q", c.LLMProvider)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive, got %d", c.TokenBudget)
	}
	if c.BeastModeReserve <= 0 || c.BeastModeReserve >= 1 {
		return fmt.Errorf("beast_mode_reserve must be in (0,1), got %f", c.BeastModeReserve)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("port", "8080")

	v.SetDefault("llm_provider", "openai")
	v.SetDefault("search_provider", "stub")

	v.SetDefault("token_budget", 1_000_000)
	v.SetDefault("max_steps", 40)
	v.SetDefault("max_bad_attempts", 2)
	v.SetDefault("max_duration", "5m")
	v.SetDefault("step_timeout", "30s")
	v.SetDefault("beast_mode_reserve", 0.15)
	v.SetDefault("failure_limit", 3)

	v.SetDefault("otel.service_name", "deepresearch-agent")
	v.SetDefault("otel.service_version", "dev")
}

// bindEnv makes sure the unprefixed, commonly-documented env var names from
// spec §6 (TOKEN_BUDGET, MAX_STEPS, ...) also work, in addition to the
// RESEARCH_-prefixed AutomaticEnv bindings.
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"token_budget":       "TOKEN_BUDGET",
		"max_steps":          "MAX_STEPS",
		"max_bad_attempts":   "MAX_BAD_ATTEMPTS",
		"llm_provider":       "LLM_PROVIDER",
		"search_provider":    "SEARCH_PROVIDER",
		"openai_api_key":     "OPENAI_API_KEY",
		"anthropic_api_key":  "ANTHROPIC_API_KEY",
		"search_api_key":     "SEARCH_API_KEY",
		"redis_url":          "REDIS_URL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
	// MAX_DURATION_MS is a plain millisecond count, which the duration
	// decoder rejects, so it is converted here.
	if ms, err := strconv.Atoi(os.Getenv("MAX_DURATION_MS")); err == nil && ms > 0 {
		v.Set("max_duration", time.Duration(ms)*time.Millisecond)
	}
}
