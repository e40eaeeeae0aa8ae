package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/judge"
)

var (
	judgeRepo       string
	judgeType       string
	judgeMinEdge    float64
	judgeWorkers    int
	judgeRejudge    bool
	judgeAllowStale bool
	judgeDryRun     bool
	judgeModel      string
	judgeThinking   string
)

var judgeCmd = &cobra.Command{
	Use:   "judge",
	Short: "Run the LLM judge over pending candidate sets",
	Long: `Judge every fresh candidate set whose source item is open and has no
accepted duplicate edge yet.

A duplicate claim must survive the full veto ladder (structured-field
consistency, target state, bug/feature mismatch, confidence floor, retrieval
score gap) before an edge is accepted. Every judged item leaves an
append-only decision row with its veto reason.

Example:
  dupcanon judge --repo acme/widgets --type issue
  dupcanon judge --repo acme/widgets --type issue --rejudge --allow-stale`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()
		requireAnthropicKey(cfg)

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, judgeRepo)
		itemType := parseType(judgeType)

		minEdge := judgeMinEdge
		if minEdge < 0 {
			minEdge = cfg.MinEdge
		}
		workers := judgeWorkers
		if workers <= 0 {
			workers = cfg.Workers
		}
		model := judgeModel
		if model == "" {
			model = cfg.JudgeModel
		}
		thinking := judgeThinking
		if thinking == "" {
			thinking = cfg.JudgeThinking
		}

		engine := &judge.Engine{
			Store:      db,
			Artifacts:  newArtifactsWriter(cfg, logger),
			Logger:     logger.With().Str("repo", repo.FullName()).Str("stage", "judge").Logger(),
			Limiter:    judgeLimiter(cfg),
			Heuristics: heuristicsFromConfig(cfg),
		}

		stats, err := engine.Run(ctx, judge.RunParams{
			RepoID:     repoID,
			ItemType:   itemType,
			MinEdge:    minEdge,
			Workers:    workers,
			Rejudge:    judgeRejudge,
			AllowStale: judgeAllowStale,
			DryRun:     judgeDryRun,
			CreatedBy:  "dupcanon/judge",
			Judge: judge.JudgeConfig{
				Provider: cfg.JudgeProvider,
				Model:    model,
				APIKey:   cfg.AnthropicAPIKey,
				Thinking: thinking,
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStats("=== Judge ===", stats)
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %d accepted, %d rejected, %d skipped\n",
			green("✓"), stats.Accepted, stats.Rejected, stats.Skipped)
	},
}

func init() {
	rootCmd.AddCommand(judgeCmd)
	judgeCmd.Flags().StringVar(&judgeRepo, "repo", "", "Repository as org/name (required)")
	judgeCmd.Flags().StringVar(&judgeType, "type", "issue", "Item type: issue or pr")
	judgeCmd.Flags().Float64Var(&judgeMinEdge, "min-edge", -1, "Confidence floor to accept an edge (default from config)")
	judgeCmd.Flags().IntVar(&judgeWorkers, "workers", 0, "Worker pool size (default from config)")
	judgeCmd.Flags().BoolVar(&judgeRejudge, "rejudge", false, "Supersede existing accepted decisions")
	judgeCmd.Flags().BoolVar(&judgeAllowStale, "allow-stale", false, "Judge stale candidate sets too")
	judgeCmd.Flags().BoolVar(&judgeDryRun, "dry-run", false, "Decide without persisting")
	judgeCmd.Flags().StringVar(&judgeModel, "model", "", "Judge model (default from config)")
	judgeCmd.Flags().StringVar(&judgeThinking, "thinking", "", "Thinking level: off, minimal, low, medium, high, xhigh")
	_ = judgeCmd.MarkFlagRequired("repo")
}
