// Command zipsync keeps a Postgres zipcode table in step with the
// Dutch national address registry (BAG).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "zipsync",
	Short: "BAG address registry to Postgres synchronization",
	Long: `zipsync keeps a Postgres zipcode table in step with the Dutch
national address registry (BAG).

Each run compares the registry endpoint's Last-Modified header with a
stored watermark. When the remote snapshot is newer it downloads the
archive, converts it with the external BAG parser, and replaces the
destination table in a single transaction.

Configuration comes from ZIPSYNC_* environment variables or a YAML
file passed with --config. ZIPSYNC_BAG_URL and ZIPSYNC_DATABASE_URL
are required; everything else has working defaults.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
}

// loadConfig reads configuration from the environment and the optional
// --config file. Validation failures are fatal: a misconfigured
// process should die here, not at its first scheduled run.
func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds the process logger from the configured level and
// optional rotated log file.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: unknown log level %q, using info\n", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return logger
}
