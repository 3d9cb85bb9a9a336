package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/daemon"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled synchronization (foreground)",
	Long: `Run the synchronization pipeline on a schedule until interrupted.

The daemon:
  1. Runs one pass at startup, then on every interval tick
  2. Skips ticks that arrive while a run is still active
  3. Serves Prometheus metrics when ZIPSYNC_METRICS_ADDR is set
  4. Broadcasts run events over WebSocket when ZIPSYNC_DASHBOARD_ADDR is set

A failed run never stops the daemon; the next tick tries again.
Intended to run under a process manager, with logs on stderr or in the
rotated file configured with ZIPSYNC_LOG_FILE.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		logger := newLogger(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st := buildStack(ctx, cfg, logger)
		defer st.Close()

		skipInitial, _ := cmd.Flags().GetBool("skip-initial-run")

		d, err := daemon.NewWithConfig(st.coordinator, &daemon.Config{
			Interval:      cfg.Interval,
			RunOnStart:    !skipInitial,
			MetricsAddr:   cfg.MetricsAddr,
			DashboardAddr: cfg.DashboardAddr,
			ArchivePath:   cfg.ArchivePath(),
			History:       st.metadata,
			Logger:        logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Endpoint: %s\n", cfg.BagURL)
		fmt.Printf("   Interval: %v\n", cfg.Interval)
		if cfg.MetricsAddr != "" {
			fmt.Printf("   Metrics: http://%s/metrics\n", cfg.MetricsAddr)
		}
		if cfg.DashboardAddr != "" {
			fmt.Printf("   Dashboard: ws://%s/ws\n", cfg.DashboardAddr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until the context is cancelled.
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("skip-initial-run", false, "Wait for the first interval tick instead of syncing at startup")
	rootCmd.AddCommand(daemonCmd)
}
