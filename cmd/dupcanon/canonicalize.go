package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/canonical"
)

var (
	canonicalizeRepo string
	canonicalizeType string
	canonicalizeJSON bool
)

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize",
	Short: "Cluster accepted edges and pick canonical items",
	Long: `Group accepted duplicate edges into connected components and pick one
canonical item per cluster.

Selection is deterministic: open members first, then likely-English text,
then maintainer-authored, then highest activity with created-at and item
number as tie-breaks.

Example:
  dupcanon canonicalize --repo acme/widgets --type issue --json`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()

		db := openStore(ctx, cfg)
		defer db.Close()

		repo, repoID := resolveRepo(ctx, db, canonicalizeRepo)
		itemType := parseType(canonicalizeType)
		maintainerLogins := loadMaintainers(ctx, cfg, repo)

		service := &canonical.Service{
			Store:  db,
			Logger: logger.With().Str("repo", repo.FullName()).Str("stage", "canonicalize").Logger(),
		}
		clusters, stats, err := service.Run(ctx, repoID, itemType, maintainerLogins)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if canonicalizeJSON {
			encoded, err := json.MarshalIndent(clusters, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to encode clusters: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(encoded))
		}
		printStats("=== Canonicalization ===", stats)
	},
}

func init() {
	rootCmd.AddCommand(canonicalizeCmd)
	canonicalizeCmd.Flags().StringVar(&canonicalizeRepo, "repo", "", "Repository as org/name (required)")
	canonicalizeCmd.Flags().StringVar(&canonicalizeType, "type", "issue", "Item type: issue or pr")
	canonicalizeCmd.Flags().BoolVar(&canonicalizeJSON, "json", false, "Print clusters as JSON")
	_ = canonicalizeCmd.MarkFlagRequired("repo")
}
