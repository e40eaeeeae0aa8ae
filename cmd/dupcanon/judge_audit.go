package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/audit"
	"github.com/dupcanon/dupcanon/internal/judge"
)

var (
	auditRepo           string
	auditType           string
	auditSampleSize     int
	auditSeed           int64
	auditMinEdge        float64
	auditCheapModel     string
	auditCheapThinking  string
	auditStrongModel    string
	auditStrongThinking string
)

var judgeAuditCmd = &cobra.Command{
	Use:   "judge-audit",
	Short: "Compare two judge configurations on a sample",
	Long: `Judge a seeded uniform sample of candidate sets with a cheap and a strong
configuration and grade the cheap one against the strong one.

Each pair is classified tp/fp/fn/tn, conflict (both accepted, different
targets), or incomplete (either side skipped). The run and its per-item rows
persist for later analysis.

Example:
  dupcanon judge-audit --repo acme/widgets --type issue \
    --cheap-model claude-haiku-4-5 --strong-model claude-sonnet-4-5`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()
		requireAnthropicKey(cfg)

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, auditRepo)
		itemType := parseType(auditType)

		minEdge := auditMinEdge
		if minEdge < 0 {
			minEdge = cfg.MinEdge
		}
		cheapModel := auditCheapModel
		if cheapModel == "" {
			cheapModel = cfg.JudgeModel
		}
		strongModel := auditStrongModel
		if strongModel == "" {
			strongModel = cfg.JudgeModel
		}

		engine := &judge.Engine{
			Store:      db,
			Artifacts:  newArtifactsWriter(cfg, logger),
			Logger:     logger,
			Limiter:    judgeLimiter(cfg),
			Heuristics: heuristicsFromConfig(cfg),
		}
		service := &audit.Service{
			Store:     db,
			Engine:    engine,
			Artifacts: newArtifactsWriter(cfg, logger),
			Logger:    logger.With().Str("repo", repo.FullName()).Str("stage", "judge_audit").Logger(),
		}

		stats, err := service.Run(ctx, audit.Params{
			RepoID:     repoID,
			ItemType:   itemType,
			SampleSize: auditSampleSize,
			Seed:       auditSeed,
			MinEdge:    minEdge,
			Cheap: judge.JudgeConfig{
				Provider: cfg.JudgeProvider,
				Model:    cheapModel,
				APIKey:   cfg.AnthropicAPIKey,
				Thinking: auditCheapThinking,
			},
			Strong: judge.JudgeConfig{
				Provider: cfg.JudgeProvider,
				Model:    strongModel,
				APIKey:   cfg.AnthropicAPIKey,
				Thinking: auditStrongThinking,
			},
			CreatedBy: "dupcanon/judge-audit",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStats("=== Judge Audit ===", stats)
	},
}

func init() {
	rootCmd.AddCommand(judgeAuditCmd)
	judgeAuditCmd.Flags().StringVar(&auditRepo, "repo", "", "Repository as org/name (required)")
	judgeAuditCmd.Flags().StringVar(&auditType, "type", "issue", "Item type: issue or pr")
	judgeAuditCmd.Flags().IntVar(&auditSampleSize, "sample-size", 100, "Candidate sets to sample")
	judgeAuditCmd.Flags().Int64Var(&auditSeed, "seed", 42, "Sampling seed")
	judgeAuditCmd.Flags().Float64Var(&auditMinEdge, "min-edge", -1, "Confidence floor to accept a claim (default from config)")
	judgeAuditCmd.Flags().StringVar(&auditCheapModel, "cheap-model", "", "Cheap judge model (default from config)")
	judgeAuditCmd.Flags().StringVar(&auditCheapThinking, "cheap-thinking", "off", "Cheap judge thinking level")
	judgeAuditCmd.Flags().StringVar(&auditStrongModel, "strong-model", "", "Strong judge model (default from config)")
	judgeAuditCmd.Flags().StringVar(&auditStrongThinking, "strong-thinking", "off", "Strong judge thinking level")
	_ = judgeAuditCmd.MarkFlagRequired("repo")
}
