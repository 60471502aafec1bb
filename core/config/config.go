// Package config loads and validates startup parameters for the agent
// process: the document-store connection, phase->model assignments,
// timeouts, and token budgets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Phase names the agent's named roles, each selecting a model, token
// budget, system prompt, and tool set.
type Phase string

const (
	PhasePlanner    Phase = "planner"
	PhaseBuilder    Phase = "builder"
	PhaseFixer      Phase = "fixer"
	PhaseReflect    Phase = "reflect"
	PhaseMemory     Phase = "memory"
	PhaseSummarizer Phase = "summarizer"
)

// PhaseConfig is the per-phase knob set: which model answers this phase's
// calls, how many tokens/turns it gets, and where its budget thresholds sit.
type PhaseConfig struct {
	Model       string
	MaxTokens   int
	MaxTurns    int
	SoftBudget  int // token count at which the session is nudged to wrap up
	HardBudget  int // token count past which the loop forces a tools-disabled final call
	Temperature *float64
}

// Config holds all application configuration.
type Config struct {
	// Env is the environment name (development, test, production).
	Env string

	LogLevel      string
	WorkspacePath string
	AgentPrefix   string // prefix for branch names and PR-author identity, e.g. "selfmod-agent"
	DebugDir      string // base dir for per-iteration debug artifacts; empty disables them

	AnthropicAPIKey string
	AnthropicModel  string // default model, used when a phase does not override it

	GitHostToken string
	GitHostOwner string
	GitHostRepo  string
	GitHostURL   string // base URL of the GitLab-shaped instance; empty = gitlab.com

	Store     ArangoConfig
	Redis     RedisConfig
	Typesense TypesenseConfig
	OTel      OTelConfig

	Phases map[Phase]PhaseConfig

	Retries       RetryConfig
	CI            CIConfig
	Summarization SummarizationConfig
}

type ArangoConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	URL string // empty = fall back to an in-process lock/backoff store
}

type TypesenseConfig struct {
	URL    string
	APIKey string // empty = recall falls back to the store's own full-text index
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// RetryConfig governs the iteration driver's plan/build/fix retry budget,
// independent of each phase's own per-session turn budget, and the model
// client's API retry count and backoff bounds.
type RetryConfig struct {
	MaxFixAttempts int // attempts after the first; spec's "maxRetries"
	MaxBackoff     time.Duration
	InitialBackoff time.Duration
	MaxAPIRetries  int
}

// CIConfig governs how long awaitChecks waits for CI.
type CIConfig struct {
	PollInterval      time.Duration
	NoChecksTimeout   time.Duration
	OverallTimeout    time.Duration
	PollBackoffMin    time.Duration
	PollBackoffMax    time.Duration
	LogExtractMaxSize int
}

// SummarizationConfig governs the context-manager's compression policy.
type SummarizationConfig struct {
	ProtectedTurns     int // K; the last K turns are never rewritten
	ToolResultMaxChars int // per-tool-result threshold before compression kicks in
	AssistantMaxChars  int // truncation length for old assistant text blocks (builder only)
	HardRedact         bool
}

// Load loads configuration from environment variables, applying the same
// sensible development defaults the lineage's config layer uses.
func Load() Config {
	cfg := Config{
		Env:             getEnv("NODE_ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		WorkspacePath:   getEnv("WORKSPACE_PATH", "./workspace"),
		AgentPrefix:     getEnv("AGENT_PREFIX", "selfmod-agent"),
		DebugDir:        getEnv("DEBUG_RUN_DIR", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250514"),
		GitHostToken:    getEnvAny("GITHUB_TOKEN", "GIT_HOST_TOKEN"),
		GitHostOwner:    getEnvAny("GITHUB_OWNER", "GIT_HOST_OWNER"),
		GitHostRepo:     getEnvAny("GITHUB_REPO", "GIT_HOST_REPO"),
		GitHostURL:      getEnv("GIT_HOST_URL", ""),
		Store: ArangoConfig{
			URL:      buildStoreURL(),
			Username: getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "selfmod"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Typesense: TypesenseConfig{
			URL:    getEnv("TYPESENSE_URL", ""),
			APIKey: getEnv("TYPESENSE_API_KEY", ""),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "selfmod-agent"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Retries: RetryConfig{
			MaxFixAttempts: getEnvInt("MAX_FIX_ATTEMPTS", 3),
			MaxBackoff:     getEnvDuration("API_MAX_BACKOFF", 30*time.Second),
			InitialBackoff: getEnvDuration("API_INITIAL_BACKOFF", 1*time.Second),
			MaxAPIRetries:  getEnvInt("MAX_API_RETRIES", 5),
		},
		CI: CIConfig{
			PollInterval:      getEnvDuration("CI_POLL_INTERVAL", 30*time.Second),
			NoChecksTimeout:   getEnvDuration("CI_NO_CHECKS_TIMEOUT", 5*time.Minute),
			OverallTimeout:    getEnvDuration("CI_OVERALL_TIMEOUT", 30*time.Minute),
			PollBackoffMin:    getEnvDuration("BATCH_POLL_MIN", 2*time.Second),
			PollBackoffMax:    getEnvDuration("BATCH_POLL_MAX", 60*time.Second),
			LogExtractMaxSize: getEnvInt("CI_LOG_EXTRACT_MAX_CHARS", 8000),
		},
		Summarization: SummarizationConfig{
			ProtectedTurns:     getEnvInt("PROTECTED_TURNS", 2),
			ToolResultMaxChars: getEnvInt("TOOL_RESULT_MAX_CHARS", 1500),
			AssistantMaxChars:  getEnvInt("ASSISTANT_MAX_CHARS", 2000),
			HardRedact:         getEnvBool("HARD_REDACT", false),
		},
	}
	if cfg.Summarization.ProtectedTurns < 1 {
		cfg.Summarization.ProtectedTurns = 1
	}
	if cfg.DebugDir == "" && cfg.IsDevelopment() {
		cfg.DebugDir = "runs"
	}

	cfg.Phases = defaultPhases(cfg.AnthropicModel)
	return cfg
}

func defaultPhases(defaultModel string) map[Phase]PhaseConfig {
	base := PhaseConfig{
		Model:      defaultModel,
		MaxTokens:  8192,
		MaxTurns:   40,
		SoftBudget: 120_000,
		HardBudget: 160_000,
	}
	fixer := base
	fixer.MaxTurns = 25 // separate budget from the builder's, per spec

	reflect := base
	reflect.MaxTurns = 1
	reflect.MaxTokens = 2048

	memory := base
	memory.MaxTurns = 1
	memory.MaxTokens = 256

	summarizer := memory

	return map[Phase]PhaseConfig{
		PhasePlanner:    base,
		PhaseBuilder:    base,
		PhaseFixer:      fixer,
		PhaseReflect:    reflect,
		PhaseMemory:     memory,
		PhaseSummarizer: summarizer,
	}
}

// buildStoreURL assembles the ArangoDB connection URL. The spec's env-var
// contract is Mongo-flavored (retryWrites=true&w=majority); this lineage's
// document store is ArangoDB, so DB_HOST is used as a bare URL and the
// majority-write query string has no analogue here (see DESIGN.md).
func buildStoreURL() string {
	if v, ok := os.LookupEnv("DB_HOST"); ok && v != "" {
		return v
	}
	return "http://localhost:8529"
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsTest returns true for NODE_ENV=test, which selects the in-memory store.
func (c Config) IsTest() bool {
	return c.Env == "test"
}

// Validate checks that the environment variables required for the current
// mode are present.
func (c Config) Validate() error {
	var missing []string
	if c.AnthropicAPIKey == "" {
		missing = append(missing, "ANTHROPIC_API_KEY")
	}
	if c.GitHostToken == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if c.GitHostOwner == "" {
		missing = append(missing, "GITHUB_OWNER")
	}
	if c.GitHostRepo == "" {
		missing = append(missing, "GITHUB_REPO")
	}
	if c.IsProduction() && c.Store.Password == "" {
		missing = append(missing, "DB_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// getEnvAny returns the first of keys that is set. The GITHUB_* names are
// the canonical contract; the GIT_HOST_* aliases exist because the code
// host is GitLab-shaped and some deployments prefer neutral names.
func getEnvAny(keys ...string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			return value
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
