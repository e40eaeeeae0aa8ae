// dupcanon is a duplicate-triage pipeline for GitHub issues and PRs:
// embedding-based candidate retrieval, an LLM judge with a conservative veto
// ladder, duplicate-cluster canonicalization, and a guardrailed close planner.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/dupcanon/dupcanon/internal/artifacts"
	"github.com/dupcanon/dupcanon/internal/config"
	"github.com/dupcanon/dupcanon/internal/judge"
	"github.com/dupcanon/dupcanon/internal/maintainers"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/store/pgstore"
	"github.com/dupcanon/dupcanon/internal/types"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "dupcanon",
	Short: "Duplicate issue/PR triage: retrieval, judging, canonicalization, close planning",
	Long: `dupcanon finds and triages duplicate GitHub issues and pull requests.

The pipeline runs in stages, each a separate command:
  embed         Compute embeddings for items with changed content
  candidates    Build ranked near-duplicate candidate sets
  judge         Run the LLM judge over pending candidate sets
  detect        Judge a single item online and print a verdict
  canonicalize  Cluster accepted edges and pick canonical items
  plan-close    Build a guardrailed close plan
  apply-close   Apply a previously planned close run
  judge-audit   Compare two judge configurations on a sample

Configuration comes from DUPCANON_* environment variables; flags override
per run. DUPCANON_DATABASE_URL must point at a PostgreSQL database with the
pgvector extension.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newLogger builds the zerolog logger every command shares. Structured JSON
// to stderr so stdout stays reserved for command output.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// loadConfig reads the environment configuration or exits.
func loadConfig() config.Config {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore connects to the PostgreSQL store or exits.
func openStore(ctx context.Context, cfg config.Config) *pgstore.Store {
	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stderr, "Error: DUPCANON_DATABASE_URL is not set\n")
		os.Exit(1)
	}
	s, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	return s
}

// newArtifactsWriter builds the failure-artifact writer or exits.
func newArtifactsWriter(cfg config.Config, logger zerolog.Logger) *artifacts.Writer {
	w, err := artifacts.NewWriter(cfg.ArtifactsDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create artifacts directory: %v\n", err)
		os.Exit(1)
	}
	return w
}

// resolveRepo parses the --repo flag and looks up the repo id or exits.
func resolveRepo(ctx context.Context, s store.Store, repoValue string) (types.RepoRef, int64) {
	ref, err := types.ParseRepoRef(repoValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	repoID, err := s.GetRepoID(ctx, ref)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: repo %s: %v\n", ref.FullName(), err)
		os.Exit(1)
	}
	return ref, repoID
}

// parseType parses the --type flag or exits.
func parseType(value string) types.ItemType {
	itemType, err := types.ParseItemType(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return itemType
}

// parseStates parses a state filter flag: open, closed, or all.
func parseStates(value string) []types.ItemState {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "open":
		return []types.ItemState{types.ItemStateOpen}
	case "closed":
		return []types.ItemState{types.ItemStateClosed}
	case "all":
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid state filter %q (must be open, closed, or all)\n", value)
		os.Exit(1)
		return nil
	}
}

// loadMaintainers reads the maintainer login set for a repo or exits.
func loadMaintainers(ctx context.Context, cfg config.Config, repo types.RepoRef) map[string]bool {
	source := &maintainers.FileSource{Path: cfg.MaintainersFile}
	logins, err := source.MaintainerLogins(ctx, repo.FullName())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load maintainers: %v\n", err)
		os.Exit(1)
	}
	return logins
}

// heuristicsFromConfig maps config thresholds onto the judge heuristics.
func heuristicsFromConfig(cfg config.Config) judge.Heuristics {
	return judge.Heuristics{
		TitleBudget:          cfg.PromptTitleBudget,
		BodyBudget:           cfg.PromptBodyBudget,
		MinScoreGap:          cfg.CandidateScoreGap,
		VagueMinChars:        cfg.VagueMinChars,
		VagueMinWords:        cfg.VagueMinWords,
		VagueGenericMaxChars: cfg.VagueGenericMaxChars,
		VagueBypassChars:     cfg.VagueBypassChars,
		VagueBypassWords:     cfg.VagueBypassWords,
	}
}

// judgeLimiter builds the shared rate limiter, nil when pacing is disabled.
func judgeLimiter(cfg config.Config) *rate.Limiter {
	if cfg.JudgeRatePerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.JudgeRatePerSecond), 1)
}

// requireAnthropicKey exits unless the judge credential is configured.
func requireAnthropicKey(cfg config.Config) {
	if cfg.AnthropicAPIKey == "" {
		fmt.Fprintf(os.Stderr, "Error: ANTHROPIC_API_KEY is not set\n")
		os.Exit(1)
	}
}

// printStats pretty-prints a stats struct as indented JSON to stdout.
func printStats(title string, stats any) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n", cyan(title))
	encoded, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(encoded))
}
