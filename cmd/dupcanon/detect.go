package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/judge"
	"github.com/dupcanon/dupcanon/internal/llm"
	"github.com/dupcanon/dupcanon/internal/retrieval"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

var (
	detectRepo        string
	detectType        string
	detectNumber      int
	detectK           int
	detectMinScore    float64
	detectMinEdge     float64
	detectMaybeThresh float64
	detectDupThresh   float64
	detectModel       string
	detectThinking    string
)

// detectVerdict is the JSON document detect prints to stdout.
type detectVerdict struct {
	Repo       string  `json:"repo"`
	Type       string  `json:"type"`
	Number     int     `json:"number"`
	Verdict    string  `json:"verdict"`
	TargetNum  int     `json:"target_number,omitempty"`
	Confidence float64 `json:"confidence"`
	VetoReason string  `json:"veto_reason,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Candidates int     `json:"candidates"`
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Judge a single item online and print a verdict",
	Long: `Refresh one item's candidate neighbors, judge it immediately, and print a
JSON verdict to stdout: duplicate, maybe_duplicate, or not_duplicate.

A duplicate claim the veto ladder downgraded still surfaces as
maybe_duplicate, since it is worth a human look. Nothing is persisted beyond
the refreshed candidate set.

Example:
  dupcanon detect --repo acme/widgets --type issue --number 1234`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()
		requireAnthropicKey(cfg)

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, detectRepo)
		itemType := parseType(detectType)

		model := detectModel
		if model == "" {
			model = cfg.JudgeModel
		}
		thinking := detectThinking
		if thinking == "" {
			thinking = cfg.JudgeThinking
		}

		service := &retrieval.Service{
			Store:     db,
			FreshSets: store.ResolveFreshSetCounter(db),
			Artifacts: newArtifactsWriter(cfg, logger),
			Logger:    logger.With().Str("repo", repo.FullName()).Str("stage", "detect").Logger(),
		}
		work, err := service.EnsureCandidates(ctx, retrieval.Params{
			RepoID:         repoID,
			ItemType:       itemType,
			K:              detectK,
			MinScore:       detectMinScore,
			IncludeStates:  []types.ItemState{types.ItemStateOpen},
			EmbeddingModel: cfg.EmbeddingModel,
		}, detectNumber)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		engine := &judge.Engine{
			Store:      db,
			Logger:     logger,
			Limiter:    judgeLimiter(cfg),
			Heuristics: heuristicsFromConfig(cfg),
		}
		outcome, err := engine.DecideOnce(ctx, llm.NewClientCache(), judge.JudgeConfig{
			Provider: cfg.JudgeProvider,
			Model:    model,
			APIKey:   cfg.AnthropicAPIKey,
			Thinking: thinking,
		}, detectMinEdge, work)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		verdict := detectVerdict{
			Repo:       repo.FullName(),
			Type:       string(itemType),
			Number:     detectNumber,
			Verdict:    judge.Verdict(outcome, detectDupThresh, detectMaybeThresh),
			TargetNum:  outcome.ToNumber,
			Confidence: outcome.Confidence,
			VetoReason: outcome.VetoReason,
			Reasoning:  outcome.Reasoning,
			Candidates: len(work.Candidates),
		}
		encoded, err := json.MarshalIndent(verdict, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to encode verdict: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(encoded))
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().StringVar(&detectRepo, "repo", "", "Repository as org/name (required)")
	detectCmd.Flags().StringVar(&detectType, "type", "issue", "Item type: issue or pr")
	detectCmd.Flags().IntVar(&detectNumber, "number", 0, "Item number to judge (required)")
	detectCmd.Flags().IntVar(&detectK, "k", 8, "Neighbors to retrieve")
	detectCmd.Flags().Float64Var(&detectMinScore, "min-score", 0.75, "Similarity floor 0..1")
	detectCmd.Flags().Float64Var(&detectMinEdge, "min-edge", 0.85, "Confidence floor to accept a claim")
	detectCmd.Flags().Float64Var(&detectMaybeThresh, "maybe-threshold", 0.85, "Confidence floor for maybe_duplicate")
	detectCmd.Flags().Float64Var(&detectDupThresh, "duplicate-threshold", 0.92, "Confidence floor for duplicate")
	detectCmd.Flags().StringVar(&detectModel, "model", "", "Judge model (default from config)")
	detectCmd.Flags().StringVar(&detectThinking, "thinking", "", "Thinking level: off, minimal, low, medium, high, xhigh")
	_ = detectCmd.MarkFlagRequired("repo")
	_ = detectCmd.MarkFlagRequired("number")
}
