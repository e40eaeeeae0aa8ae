// Package config holds the environment-driven configuration for the dupcanon
// pipeline. Command flags override these values per run; the environment
// provides credentials and tunable defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the full runtime configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string. Required by every
	// command that touches the store.
	DatabaseURL string

	// AnthropicAPIKey authenticates judgment-provider calls.
	AnthropicAPIKey string

	// OpenAIAPIKey authenticates embedding calls.
	OpenAIAPIKey string

	// JudgeProvider and JudgeModel select the default judge configuration.
	JudgeProvider string
	JudgeModel    string

	// JudgeThinking is the default thinking level (off, minimal, low,
	// medium, high, xhigh).
	JudgeThinking string

	// EmbeddingModel, EmbeddingDimensions, and EmbeddingBaseURL configure
	// the OpenAI-compatible embeddings client. An empty base URL means the
	// provider default.
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingBaseURL    string

	// Workers bounds worker-pool size for retrieval and judge batches.
	// 1 means sequential.
	Workers int

	// JudgeRatePerSecond paces judgment calls across all workers.
	// 0 disables pacing.
	JudgeRatePerSecond float64

	// CandidateK and CandidateMinScore are the retrieval defaults.
	CandidateK        int
	CandidateMinScore float64

	// MinEdge is the minimum judge confidence to accept a duplicate edge.
	MinEdge float64

	// MinClose is the minimum edge confidence to plan a close action.
	MinClose float64

	// CandidateScoreGap is the minimum lead the selected candidate's
	// retrieval score must hold over the runner-up.
	CandidateScoreGap float64

	// Vagueness gate thresholds. Sources below the char or word minimum
	// (without structured tokens) skip judging; the bypass thresholds let
	// long descriptive text through even when a generic phrase matches.
	VagueMinChars        int
	VagueMinWords        int
	VagueGenericMaxChars int
	VagueBypassChars     int
	VagueBypassWords     int

	// Prompt budgets: characters of title and body included per item.
	PromptTitleBudget int
	PromptBodyBudget  int

	// MaintainersFile is the YAML file listing maintainer logins.
	MaintainersFile string

	// ArtifactsDir receives structured per-failure artifacts.
	ArtifactsDir string
}

// DefaultConfig returns the documented defaults. Threshold values mirror the
// production tuning and are deliberately not re-derived.
func DefaultConfig() Config {
	return Config{
		JudgeProvider:        "anthropic",
		JudgeModel:           "claude-sonnet-4-5",
		JudgeThinking:        "off",
		EmbeddingModel:       "text-embedding-3-large",
		EmbeddingDimensions:  3072,
		Workers:              4,
		JudgeRatePerSecond:   0,
		CandidateK:           4,
		CandidateMinScore:    0.75,
		MinEdge:              0.85,
		MinClose:             0.90,
		CandidateScoreGap:    0.015,
		VagueMinChars:        90,
		VagueMinWords:        12,
		VagueGenericMaxChars: 220,
		VagueBypassChars:     180,
		VagueBypassWords:     30,
		PromptTitleBudget:    300,
		PromptBodyBudget:     3000,
		MaintainersFile:      "maintainers.yaml",
		ArtifactsDir:         ".local/artifacts",
	}
}

// FromEnv builds a Config from environment variables on top of the defaults.
//
// Environment variables:
//   - DUPCANON_DATABASE_URL: PostgreSQL connection string (required)
//   - ANTHROPIC_API_KEY: judgment provider credential
//   - OPENAI_API_KEY: embedding provider credential
//   - DUPCANON_JUDGE_PROVIDER: judge provider (default: anthropic)
//   - DUPCANON_JUDGE_MODEL: judge model (default: claude-sonnet-4-5)
//   - DUPCANON_JUDGE_THINKING: thinking level (default: off)
//   - DUPCANON_EMBEDDING_MODEL: embedding model (default: text-embedding-3-large)
//   - DUPCANON_EMBEDDING_DIMENSIONS: vector size (default: 3072)
//   - DUPCANON_EMBEDDING_BASE_URL: alternate embeddings endpoint
//   - DUPCANON_WORKERS: worker-pool size (default: 4)
//   - DUPCANON_JUDGE_RATE: judge calls per second across workers (default: unlimited)
//   - DUPCANON_CANDIDATE_K: neighbors per candidate set (default: 4)
//   - DUPCANON_CANDIDATE_MIN_SCORE: similarity floor (default: 0.75)
//   - DUPCANON_MIN_EDGE: confidence floor to accept an edge (default: 0.85)
//   - DUPCANON_MIN_CLOSE: confidence floor to plan a close (default: 0.90)
//   - DUPCANON_CANDIDATE_SCORE_GAP: runner-up score gap (default: 0.015)
//   - DUPCANON_MAINTAINERS_FILE: maintainer YAML path (default: maintainers.yaml)
//   - DUPCANON_ARTIFACTS_DIR: failure artifact directory (default: .local/artifacts)
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.DatabaseURL = os.Getenv("DUPCANON_DATABASE_URL")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	parseEnvString("DUPCANON_JUDGE_PROVIDER", &cfg.JudgeProvider)
	parseEnvString("DUPCANON_JUDGE_MODEL", &cfg.JudgeModel)
	parseEnvString("DUPCANON_JUDGE_THINKING", &cfg.JudgeThinking)
	parseEnvString("DUPCANON_EMBEDDING_MODEL", &cfg.EmbeddingModel)
	parseEnvString("DUPCANON_EMBEDDING_BASE_URL", &cfg.EmbeddingBaseURL)
	parseEnvString("DUPCANON_MAINTAINERS_FILE", &cfg.MaintainersFile)
	parseEnvString("DUPCANON_ARTIFACTS_DIR", &cfg.ArtifactsDir)

	if err := parseEnvInt("DUPCANON_EMBEDDING_DIMENSIONS", &cfg.EmbeddingDimensions); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("DUPCANON_WORKERS", &cfg.Workers); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("DUPCANON_JUDGE_RATE", &cfg.JudgeRatePerSecond); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("DUPCANON_CANDIDATE_K", &cfg.CandidateK); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("DUPCANON_CANDIDATE_MIN_SCORE", &cfg.CandidateMinScore); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("DUPCANON_MIN_EDGE", &cfg.MinEdge); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("DUPCANON_MIN_CLOSE", &cfg.MinClose); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("DUPCANON_CANDIDATE_SCORE_GAP", &cfg.CandidateScoreGap); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges. Credential presence is checked per command,
// since not every command needs every credential.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive (got %d)", c.Workers)
	}
	if c.Workers > 64 {
		return fmt.Errorf("workers too large (got %d, max 64)", c.Workers)
	}
	if c.JudgeRatePerSecond < 0 {
		return fmt.Errorf("judge rate cannot be negative (got %.2f)", c.JudgeRatePerSecond)
	}
	if c.CandidateK <= 0 {
		return fmt.Errorf("candidate k must be positive (got %d)", c.CandidateK)
	}
	if c.CandidateK > 100 {
		return fmt.Errorf("candidate k too large (got %d, max 100)", c.CandidateK)
	}
	if c.CandidateMinScore < 0.0 || c.CandidateMinScore > 1.0 {
		return fmt.Errorf("candidate min score must be between 0.0 and 1.0 (got %.3f)", c.CandidateMinScore)
	}
	if c.MinEdge < 0.0 || c.MinEdge > 1.0 {
		return fmt.Errorf("min edge must be between 0.0 and 1.0 (got %.3f)", c.MinEdge)
	}
	if c.MinClose < 0.0 || c.MinClose > 1.0 {
		return fmt.Errorf("min close must be between 0.0 and 1.0 (got %.3f)", c.MinClose)
	}
	if c.CandidateScoreGap < 0 {
		return fmt.Errorf("candidate score gap cannot be negative (got %.4f)", c.CandidateScoreGap)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive (got %d)", c.EmbeddingDimensions)
	}
	if c.VagueMinChars <= 0 || c.VagueMinWords <= 0 {
		return fmt.Errorf("vagueness thresholds must be positive")
	}
	if c.PromptTitleBudget <= 0 || c.PromptBodyBudget <= 0 {
		return fmt.Errorf("prompt budgets must be positive")
	}
	return nil
}

func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
