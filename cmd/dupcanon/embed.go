package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/embed"
)

var (
	embedRepo      string
	embedType      string
	embedBatchSize int
	embedForce     bool
	embedDryRun    bool
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Compute embeddings for items with changed content",
	Long: `Embed every item whose semantic content hash changed since its last
embedding (or all items with --force).

Example:
  dupcanon embed --repo acme/widgets --type issue
  dupcanon embed --repo acme/widgets --type pr --batch-size 64`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()

		if cfg.OpenAIAPIKey == "" {
			fmt.Fprintf(os.Stderr, "Error: OPENAI_API_KEY is not set\n")
			os.Exit(1)
		}

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, embedRepo)
		itemType := parseType(embedType)

		embedder, err := embed.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions, cfg.EmbeddingBaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		service := &embed.Service{
			Store:     db,
			Embedder:  embedder,
			Artifacts: newArtifactsWriter(cfg, logger),
			Logger:    logger.With().Str("repo", repo.FullName()).Str("stage", "embed").Logger(),
		}
		stats, err := service.Run(ctx, embed.Params{
			RepoID:    repoID,
			ItemType:  itemType,
			BatchSize: embedBatchSize,
			Force:     embedForce,
			DryRun:    embedDryRun,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStats("=== Embeddings ===", stats)
	},
}

func init() {
	rootCmd.AddCommand(embedCmd)
	embedCmd.Flags().StringVar(&embedRepo, "repo", "", "Repository as org/name (required)")
	embedCmd.Flags().StringVar(&embedType, "type", "issue", "Item type: issue or pr")
	embedCmd.Flags().IntVar(&embedBatchSize, "batch-size", 32, "Texts per embedding request")
	embedCmd.Flags().BoolVar(&embedForce, "force", false, "Re-embed items with unchanged content")
	embedCmd.Flags().BoolVar(&embedDryRun, "dry-run", false, "Report pending work without embedding")
	_ = embedCmd.MarkFlagRequired("repo")
}
