package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/sync"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass",
	Long: `Synchronize the destination table with the registry endpoint once.

The run:
  1. Compares the endpoint's Last-Modified header with the stored watermark
  2. Downloads the archive when the remote snapshot is newer
  3. Converts it with the external BAG parser (two stages)
  4. Replaces the destination table in one transaction
  5. Advances the watermark

A current destination short-circuits after the header check. Pass
--force to run the full chain regardless, for example after manual
edits to the destination table.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		if force, _ := cmd.Flags().GetBool("force"); force {
			cfg.AlwaysRefresh = true
		}
		logger := newLogger(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st := buildStack(ctx, cfg, logger)
		defer st.Close()

		fmt.Printf("%s Syncing %s into %s.%s...\n", ui.RenderAccent("🔄"), cfg.BagURL, cfg.TableSchema, cfg.Table)

		result, err := st.coordinator.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Run %s failed (%s): %v\n", ui.RenderFail("✗"), result.RunID, pipeline.Kind(err), err)
			os.Exit(1)
		}

		switch result.Outcome {
		case sync.OutcomeUpToDate:
			fmt.Printf("%s Destination already current (remote %s)\n", ui.RenderPass("✓"),
				result.RemoteLastModified.Format(time.RFC1123))
		case sync.OutcomeRefreshed:
			fmt.Printf("%s Refreshed %d rows in %v\n", ui.RenderPass("✓"),
				result.Rows, result.Elapsed.Round(time.Second))
			if result.Drift != nil {
				fmt.Printf("%s Column drift tolerated: missing %v, extra %v\n", ui.RenderWarn("⚠"),
					result.Drift.Missing(), result.Drift.Extra())
			}
		}
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "Run the full pipeline even when the destination is current")
	rootCmd.AddCommand(syncCmd)
}
