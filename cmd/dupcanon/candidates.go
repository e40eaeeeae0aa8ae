package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/retrieval"
	"github.com/dupcanon/dupcanon/internal/store"
)

var (
	candidatesRepo        string
	candidatesType        string
	candidatesK           int
	candidatesMinScore    float64
	candidatesInclude     string
	candidatesSourceState string
	candidatesForce       bool
	candidatesDryRun      bool
	candidatesWorkers     int
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Build ranked near-duplicate candidate sets",
	Long: `Build a fresh candidate set for every embedded item whose content changed
since its last set (or all items with --force).

Each set freezes the top-k embedding-space neighbors above the similarity
floor. Prior fresh sets for the same item are marked stale, never mutated.

Example:
  dupcanon candidates --repo acme/widgets --type issue
  dupcanon candidates --repo acme/widgets --type pr --k 8 --force`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, candidatesRepo)
		itemType := parseType(candidatesType)

		k := candidatesK
		if k <= 0 {
			k = cfg.CandidateK
		}
		minScore := candidatesMinScore
		if minScore < 0 {
			minScore = cfg.CandidateMinScore
		}
		workers := candidatesWorkers
		if workers <= 0 {
			workers = cfg.Workers
		}

		service := &retrieval.Service{
			Store:     db,
			FreshSets: store.ResolveFreshSetCounter(db),
			Artifacts: newArtifactsWriter(cfg, logger),
			Logger:    logger.With().Str("repo", repo.FullName()).Str("stage", "candidates").Logger(),
		}

		stats, err := service.Run(ctx, retrieval.Params{
			RepoID:         repoID,
			ItemType:       itemType,
			K:              k,
			MinScore:       minScore,
			IncludeStates:  parseStates(candidatesInclude),
			SourceStates:   parseStates(candidatesSourceState),
			EmbeddingModel: cfg.EmbeddingModel,
			Force:          candidatesForce,
			DryRun:         candidatesDryRun,
			Workers:        workers,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStats("=== Candidate Retrieval ===", stats)
		if stats.Failed > 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s %d item(s) failed; see artifacts in %s\n", yellow("⚠"), stats.Failed, cfg.ArtifactsDir)
		}
	},
}

func init() {
	rootCmd.AddCommand(candidatesCmd)
	candidatesCmd.Flags().StringVar(&candidatesRepo, "repo", "", "Repository as org/name (required)")
	candidatesCmd.Flags().StringVar(&candidatesType, "type", "issue", "Item type: issue or pr")
	candidatesCmd.Flags().IntVar(&candidatesK, "k", 0, "Neighbors per candidate set (default from config)")
	candidatesCmd.Flags().Float64Var(&candidatesMinScore, "min-score", -1, "Similarity floor 0..1 (default from config)")
	candidatesCmd.Flags().StringVar(&candidatesInclude, "include", "open", "Candidate item states: open, closed, or all")
	candidatesCmd.Flags().StringVar(&candidatesSourceState, "source-state", "open", "Source item states: open, closed, or all")
	candidatesCmd.Flags().BoolVar(&candidatesForce, "force", false, "Rebuild sets even when content is unchanged")
	candidatesCmd.Flags().BoolVar(&candidatesDryRun, "dry-run", false, "Compute without writing")
	candidatesCmd.Flags().IntVar(&candidatesWorkers, "workers", 0, "Worker pool size (default from config)")
	_ = candidatesCmd.MarkFlagRequired("repo")
}
