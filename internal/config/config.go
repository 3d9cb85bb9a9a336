// Package config loads and validates the process configuration from
// environment variables, an optional YAML file, and defaults, in that
// precedence order.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// EnvPrefix is the prefix of all environment variables read by Load,
// e.g. ZIPSYNC_BAG_URL.
const EnvPrefix = "ZIPSYNC"

// Config is the validated process configuration.
type Config struct {
	// BagURL is the remote archive endpoint. Required.
	BagURL string `mapstructure:"bag_url"`

	// DatabaseURL is the destination Postgres DSN. Required.
	DatabaseURL string `mapstructure:"database_url"`

	// WorkDir holds the archive, the conversion tool's intermediate
	// store, and the tabular export.
	WorkDir string `mapstructure:"workdir"`

	// Table is the destination table replaced on each refresh.
	Table string `mapstructure:"table"`

	// TableSchema is the destination table's Postgres schema.
	TableSchema string `mapstructure:"table_schema"`

	// DriftPolicy is one of abort, intersect, warn.
	DriftPolicy string `mapstructure:"drift_policy"`

	// AlwaysRefresh forces the full pipeline on every run.
	AlwaysRefresh bool `mapstructure:"always_refresh"`

	// ParserRepo is the git URL of the conversion tool. Empty means
	// the checkout at ParserDir is provisioned externally.
	ParserRepo string `mapstructure:"parser_repo"`

	// ParserDir is the conversion tool checkout. Empty derives
	// WorkDir/BAG_parser.
	ParserDir string `mapstructure:"parser_dir"`

	// Python is the interpreter used to run the conversion tool.
	Python string `mapstructure:"python"`

	// CleanupStaleTables forwards the conversion tool's cleanup flag.
	CleanupStaleTables bool `mapstructure:"cleanup_stale_tables"`

	// StageTimeout bounds each conversion stage. Zero means no limit.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`

	// HeadTimeout bounds the freshness probe request. Zero selects the
	// upstream client's default.
	HeadTimeout time.Duration `mapstructure:"head_timeout"`

	// MetadataBackend selects where the watermark lives: postgres
	// shares the destination database, sqlite uses a local file.
	MetadataBackend string `mapstructure:"metadata_backend"`

	// MetadataPath is the SQLite metadata file, used only when
	// MetadataBackend is sqlite. Empty derives WorkDir/state.db.
	MetadataPath string `mapstructure:"metadata_path"`

	// Interval is the daemon's time between scheduled runs.
	Interval time.Duration `mapstructure:"interval"`

	// MetricsAddr is the Prometheus listen address. Empty disables
	// the metrics server.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// DashboardAddr is the live dashboard listen address. Empty
	// disables the dashboard.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// LogFile appends logs to a rotated file instead of stderr when
	// non-empty.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from the environment and, when path is
// non-empty, from a YAML file at path. Missing required fields fail
// Load, so a misconfigured process dies at startup rather than at its
// first sync hours later.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("bag_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("workdir", "bag_temp")
	v.SetDefault("table", "gov_data")
	v.SetDefault("table_schema", "public")
	v.SetDefault("drift_policy", pipeline.DriftAbort.String())
	v.SetDefault("always_refresh", false)
	v.SetDefault("parser_repo", "https://github.com/digitaldutch/BAG_parser.git")
	v.SetDefault("parser_dir", "")
	v.SetDefault("python", "python3")
	v.SetDefault("cleanup_stale_tables", true)
	v.SetDefault("stage_timeout", time.Duration(0))
	v.SetDefault("head_timeout", time.Duration(0))
	v.SetDefault("metadata_backend", "postgres")
	v.SetDefault("metadata_path", "")
	v.SetDefault("interval", 24*time.Hour)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("dashboard_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and enumerations.
func (c *Config) Validate() error {
	if c.BagURL == "" {
		return fmt.Errorf("bag_url is required (set %s_BAG_URL)", EnvPrefix)
	}
	u, err := url.Parse(c.BagURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("bag_url %q is not an http(s) URL", c.BagURL)
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set %s_DATABASE_URL)", EnvPrefix)
	}

	switch pipeline.DriftPolicy(c.DriftPolicy) {
	case pipeline.DriftAbort, pipeline.DriftIntersect, pipeline.DriftWarn:
	default:
		return fmt.Errorf("drift_policy %q is not one of abort, intersect, warn", c.DriftPolicy)
	}

	switch c.MetadataBackend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("metadata_backend %q is not one of postgres, sqlite", c.MetadataBackend)
	}

	if c.Table == "" {
		return fmt.Errorf("table must not be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	return nil
}

// ArchivePath is the local archive file inside the work directory.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.WorkDir, "bag.zip")
}

// StorePath is the conversion tool's intermediate store.
func (c *Config) StorePath() string {
	return filepath.Join(c.WorkDir, "bag.sqlite")
}

// ExportPath is the tabular export consumed by the loader.
func (c *Config) ExportPath() string {
	return filepath.Join(c.WorkDir, "bag.csv")
}

// ParserCheckout is the conversion tool's working copy, derived from
// the work directory unless overridden.
func (c *Config) ParserCheckout() string {
	if c.ParserDir != "" {
		return c.ParserDir
	}
	return filepath.Join(c.WorkDir, "BAG_parser")
}

// MetadataFile is the SQLite metadata location, derived from the work
// directory unless overridden.
func (c *Config) MetadataFile() string {
	if c.MetadataPath != "" {
		return c.MetadataPath
	}
	return filepath.Join(c.WorkDir, "state.db")
}

// Policy returns the drift policy as its typed form.
func (c *Config) Policy() pipeline.DriftPolicy {
	return pipeline.DriftPolicy(c.DriftPolicy)
}
