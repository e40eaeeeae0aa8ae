package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dupcanon/dupcanon/internal/planner"
	"github.com/dupcanon/dupcanon/internal/types"
)

var (
	applyCloseRun int64
	applyCloseYes bool
)

var applyCloseCmd = &cobra.Command{
	Use:   "apply-close",
	Short: "Apply a previously planned close run",
	Long: `Promote a plan run to an apply run: copy its entries into a new run and
invoke the close executor for each planned close, recording the per-item
outcome.

The built-in executor only records intent; wiring a real tracker integration
means providing another planner.CloseExecutor. --yes is required.

Example:
  dupcanon apply-close --run 42 --yes`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		logger := newLogger()

		if !applyCloseYes {
			fmt.Fprintf(os.Stderr, "Error: --yes is required to apply close actions\n")
			os.Exit(1)
		}

		db := openStore(ctx, cfg)
		defer db.Close()

		service := &planner.Service{
			Store:     db,
			Artifacts: newArtifactsWriter(cfg, logger),
			Logger:    logger.With().Str("stage", "apply_close").Logger(),
		}
		stats, err := service.Apply(ctx, applyCloseRun, &recordingExecutor{logger: logger}, "dupcanon/apply-close")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStats("=== Apply Close ===", stats)
	},
}

// recordingExecutor satisfies planner.CloseExecutor without external side
// effects: it logs the intended close and returns a recorded outcome. Real
// tracker integrations replace it.
type recordingExecutor struct {
	logger zerolog.Logger
}

func (e *recordingExecutor) CloseItem(_ context.Context, itemType types.ItemType, number, canonicalNumber int) (string, error) {
	e.logger.Info().
		Str("item_type", string(itemType)).
		Int("number", number).
		Int("canonical_number", canonicalNumber).
		Msg("close recorded")
	payload, err := json.Marshal(map[string]any{
		"status":           "recorded",
		"number":           number,
		"canonical_number": canonicalNumber,
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func init() {
	rootCmd.AddCommand(applyCloseCmd)
	applyCloseCmd.Flags().Int64Var(&applyCloseRun, "run", 0, "Plan close run id to apply (required)")
	applyCloseCmd.Flags().BoolVar(&applyCloseYes, "yes", false, "Confirm applying close actions")
	_ = applyCloseCmd.MarkFlagRequired("run")
}
