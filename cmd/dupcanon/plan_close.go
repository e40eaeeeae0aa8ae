package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/planner"
)

var (
	planCloseRepo         string
	planCloseType         string
	planCloseMinClose     float64
	planCloseTargetPolicy string
	planCloseDryRun       bool
)

var planCloseCmd = &cobra.Command{
	Use:   "plan-close",
	Short: "Build a guardrailed close plan",
	Long: `Recompute duplicate clusters and propose closing non-canonical members.

Every candidate passes a guardrail chain before a close is planned: it must
be open, not authored by or assigned to a maintainer, carry an accepted edge
to the close target, and meet the confidence floor. Ambiguity always skips.

target-policy controls what a close may target:
  canonical_only   close only items with a direct edge to the canonical
  direct_fallback  fall back to the item's own accepted edge target

Example:
  dupcanon plan-close --repo acme/widgets --type issue --dry-run
  dupcanon plan-close --repo acme/widgets --type issue --min-close 0.95`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, planCloseRepo)
		itemType := parseType(planCloseType)
		maintainerLogins := loadMaintainers(ctx, cfg, repo)

		minClose := planCloseMinClose
		if minClose < 0 {
			minClose = cfg.MinClose
		}
		policy, err := planner.ParseTargetPolicy(planCloseTargetPolicy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		service := &planner.Service{
			Store:     db,
			Artifacts: newArtifactsWriter(cfg, logger),
			Logger:    logger.With().Str("repo", repo.FullName()).Str("stage", "plan_close").Logger(),
		}
		stats, err := service.Plan(ctx, planner.PlanParams{
			RepoID:       repoID,
			ItemType:     itemType,
			MinClose:     minClose,
			TargetPolicy: policy,
			DryRun:       planCloseDryRun,
			CreatedBy:    "dupcanon/plan-close",
		}, maintainerLogins)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStats("=== Close Plan ===", stats)
		if !planCloseDryRun && stats.CloseRunID != 0 {
			green := color.New(color.FgGreen).SprintFunc()
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s Plan persisted as close run %d\n", green("✓"), stats.CloseRunID)
			fmt.Printf("  %s\n", gray(fmt.Sprintf("dupcanon apply-close --run %d --yes", stats.CloseRunID)))
		}
	},
}

func init() {
	rootCmd.AddCommand(planCloseCmd)
	planCloseCmd.Flags().StringVar(&planCloseRepo, "repo", "", "Repository as org/name (required)")
	planCloseCmd.Flags().StringVar(&planCloseType, "type", "issue", "Item type: issue or pr")
	planCloseCmd.Flags().Float64Var(&planCloseMinClose, "min-close", -1, "Confidence floor to plan a close (default from config)")
	planCloseCmd.Flags().StringVar(&planCloseTargetPolicy, "target-policy", "canonical_only", "Close target policy: canonical_only or direct_fallback")
	planCloseCmd.Flags().BoolVar(&planCloseDryRun, "dry-run", false, "Compute stats without persisting a run")
	_ = planCloseCmd.MarkFlagRequired("repo")
}
