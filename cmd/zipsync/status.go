package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/ui"
)

// statusReport is the status command's output document, shared by the
// json and yaml renderers.
type statusReport struct {
	Endpoint       string      `json:"endpoint" yaml:"endpoint"`
	RemoteModified time.Time   `json:"remote_last_modified" yaml:"remote_last_modified"`
	Watermark      string      `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	RefreshNeeded  bool        `json:"refresh_needed" yaml:"refresh_needed"`
	ArchiveState   string      `json:"archive_state" yaml:"archive_state"`
	ArchivePath    string      `json:"archive_path" yaml:"archive_path"`
	ArchiveBytes   int64       `json:"archive_bytes,omitempty" yaml:"archive_bytes,omitempty"`
	Destination    string      `json:"destination" yaml:"destination"`
	RecentRuns     []runReport `json:"recent_runs,omitempty" yaml:"recent_runs,omitempty"`
}

type runReport struct {
	ID         string    `json:"id" yaml:"id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	Rows       int       `json:"rows,omitempty" yaml:"rows,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show freshness and recent run history",
	Long: `Display the synchronization state without changing anything.

Shows:
  - The endpoint's current Last-Modified timestamp (one HEAD request)
  - The stored watermark and whether a refresh is due
  - The local archive's state and size
  - Recent run history from the metadata store

The only remote traffic is the HEAD probe; nothing is downloaded,
converted or written.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		logger := newLogger(cfg)

		output, _ := cmd.Flags().GetString("output")
		switch output {
		case "text", "json", "yaml":
		default:
			fmt.Fprintf(os.Stderr, "Error: --output %q is not one of text, json, yaml\n", output)
			os.Exit(1)
		}
		limit, _ := cmd.Flags().GetInt("runs")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st := buildStack(ctx, cfg, logger)
		defer st.Close()

		fresh, err := st.coordinator.Check(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking freshness: %v\n", err)
			os.Exit(1)
		}

		runs, err := st.metadata.RecentRuns(ctx, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading run history: %v\n", err)
			os.Exit(1)
		}

		report := statusReport{
			Endpoint:       cfg.BagURL,
			RemoteModified: fresh.Remote.Time,
			Watermark:      fresh.Stored,
			RefreshNeeded:  fresh.RefreshNeeded,
			ArchiveState:   fresh.ArchiveState.String(),
			ArchivePath:    cfg.ArchivePath(),
			Destination:    cfg.TableSchema + "." + cfg.Table,
		}
		if info, err := os.Stat(cfg.ArchivePath()); err == nil {
			report.ArchiveBytes = info.Size()
		}
		for _, rec := range runs {
			report.RecentRuns = append(report.RecentRuns, runReport{
				ID:         rec.ID,
				StartedAt:  rec.StartedAt,
				FinishedAt: rec.FinishedAt,
				Outcome:    rec.Outcome,
				Rows:       rec.Rows,
				Error:      rec.Error,
			})
		}

		switch output {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
		case "yaml":
			if err := yaml.NewEncoder(os.Stdout).Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
		default:
			printStatus(report)
		}
	},
}

func printStatus(report statusReport) {
	fmt.Printf("\n%s Zipcode Sync Status\n\n", ui.RenderAccent("📊"))
	fmt.Printf("Endpoint: %s\n", report.Endpoint)
	fmt.Printf("Remote modified: %s\n", report.RemoteModified.Format(time.RFC1123))
	if report.Watermark != "" {
		fmt.Printf("Watermark: %s\n", report.Watermark)
	} else {
		fmt.Printf("Watermark: %s\n", ui.RenderWarn("never synced"))
	}
	fmt.Printf("Archive: %s at %s", report.ArchiveState, report.ArchivePath)
	if report.ArchiveBytes > 0 {
		fmt.Printf(" (%s)", formatSize(report.ArchiveBytes))
	}
	fmt.Println()
	fmt.Printf("Destination: %s\n", report.Destination)
	if report.RefreshNeeded {
		fmt.Printf("Refresh needed: %s\n", ui.RenderWarn("yes"))
	} else {
		fmt.Printf("Refresh needed: %s\n", ui.RenderPass("no"))
	}

	if len(report.RecentRuns) > 0 {
		fmt.Printf("\nRecent runs:\n")
		for _, run := range report.RecentRuns {
			marker := ui.RenderPass("✓")
			detail := fmt.Sprintf("%d rows", run.Rows)
			switch run.Outcome {
			case "failed":
				marker = ui.RenderFail("✗")
				detail = run.Error
			case "up_to_date":
				detail = "no change"
			}
			fmt.Printf("  %s %s  %-10s %s\n", marker,
				run.StartedAt.Format("2006-01-02 15:04:05"), run.Outcome, detail)
		}
	}
	fmt.Println()
}

// formatSize renders a byte count in the largest sensible unit. The
// registry archive runs to a couple of gigabytes.
func formatSize(size int64) string {
	switch {
	case size > 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(size)/(1024*1024*1024))
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	statusCmd.Flags().Int("runs", 5, "Number of history entries to show")
	rootCmd.AddCommand(statusCmd)
}
