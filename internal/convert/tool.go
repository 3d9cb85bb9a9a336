package convert

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRepoURL is the upstream repository of the parser tool.
const DefaultRepoURL = "https://github.com/digitaldutch/BAG_parser.git"

const (
	defaultPython = "python3"
	defaultGit    = "git"

	importScript = "import_bag.py"
	exportScript = "export_to_csv.py"

	toolConfigFile = "config.py"

	cleanupSetting   = "delete_no_longer_needed_bag_tables"
	storePathSetting = "file_db_sqlite"
)

// ToolConfig configures the external parser tool.
type ToolConfig struct {
	// RepoURL is the git repository to clone the tool from. Empty
	// means the checkout at Dir is provisioned externally and is used
	// as-is.
	RepoURL string

	// Dir is the tool checkout directory (required).
	Dir string

	// Python is the interpreter used to run the tool's entry points.
	// Empty selects "python3".
	Python string

	// Git is the git binary used for provisioning. Empty selects
	// "git".
	Git string

	// StageTimeout bounds each subprocess invocation. Zero means no
	// timeout; a full import of the national registry runs for hours.
	StageTimeout time.Duration

	// CleanupStaleTables is forwarded into the tool's configuration.
	// The tool ships with this off so it never destroys data it did
	// not create; this pipeline turns it on so intermediate tables do
	// not accumulate across runs.
	CleanupStaleTables bool
}

// Tool runs the external parser as subprocesses. It implements
// Pipeline.
type Tool struct {
	config ToolConfig
	logger *logrus.Logger
}

// NewTool creates a Tool, applying defaults for the interpreter and
// git binary. A nil logger falls back to the logrus standard logger.
func NewTool(config ToolConfig, logger *logrus.Logger) *Tool {
	if config.Python == "" {
		config.Python = defaultPython
	}
	if config.Git == "" {
		config.Git = defaultGit
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tool{config: config, logger: logger}
}

// ArchiveToStore provisions the tool checkout, forwards configuration
// into it, and runs the import stage.
func (t *Tool) ArchiveToStore(ctx context.Context, archivePath, storePath string) error {
	if err := t.ensureCheckout(ctx); err != nil {
		return err
	}
	if err := t.forwardConfig(storePath); err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"archive": archivePath,
		"store":   storePath,
	}).Info("running archive import stage")

	if _, err := runCommand(ctx, t.config.StageTimeout, t.config.Dir, t.config.Python, importScript, archivePath, storePath); err != nil {
		return fmt.Errorf("%s failed: %w", importScript, err)
	}
	return nil
}

// StoreToExport runs the export stage. The -a flag selects the full
// address export.
func (t *Tool) StoreToExport(ctx context.Context, storePath, exportPath string) error {
	t.logger.WithFields(logrus.Fields{
		"store":  storePath,
		"export": exportPath,
	}).Info("running export stage")

	if _, err := runCommand(ctx, t.config.StageTimeout, t.config.Dir, t.config.Python, exportScript, "-a", storePath, exportPath); err != nil {
		return fmt.Errorf("%s failed: %w", exportScript, err)
	}
	return nil
}

// ensureCheckout clones the tool repository on first use and pulls on
// subsequent runs. With no RepoURL configured it only verifies that an
// externally provisioned checkout is present.
func (t *Tool) ensureCheckout(ctx context.Context) error {
	if t.config.RepoURL == "" {
		if _, err := os.Stat(filepath.Join(t.config.Dir, importScript)); err != nil {
			return fmt.Errorf("tool checkout not found at %s: %w", t.config.Dir, err)
		}
		return nil
	}

	if _, err := os.Stat(filepath.Join(t.config.Dir, ".git")); err == nil {
		t.logger.WithField("dir", t.config.Dir).Debug("updating tool checkout")
		if _, err := runCommand(ctx, t.config.StageTimeout, t.config.Dir, t.config.Git, "pull"); err != nil {
			return fmt.Errorf("git pull failed: %w", err)
		}
		return nil
	}

	parent := filepath.Dir(t.config.Dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating tool directory: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"repo": t.config.RepoURL,
		"dir":  t.config.Dir,
	}).Info("cloning tool repository")

	if _, err := runCommand(ctx, t.config.StageTimeout, parent, t.config.Git, "clone", t.config.RepoURL, t.config.Dir); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// forwardConfig rewrites the tool's config file so the intermediate
// store lands at storePath and stale intermediate tables are cleaned
// up per the configured flag. Settings already present are replaced in
// place; missing ones are appended.
func (t *Tool) forwardConfig(storePath string) error {
	path := filepath.Join(t.config.Dir, toolConfigFile)

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = strings.Split(string(data), "\n")
	case errors.Is(err, fs.ErrNotExist):
		lines = nil
	default:
		return fmt.Errorf("reading tool config: %w", err)
	}

	cleanup := "False"
	if t.config.CleanupStaleTables {
		cleanup = "True"
	}
	settings := []struct {
		key  string
		line string
	}{
		{cleanupSetting, fmt.Sprintf("%s = %s", cleanupSetting, cleanup)},
		{storePathSetting, fmt.Sprintf("%s = '%s'", storePathSetting, storePath)},
	}

	for _, s := range settings {
		replaced := false
		for i, line := range lines {
			if isAssignment(line, s.key) {
				lines[i] = s.line
				replaced = true
			}
		}
		if !replaced {
			lines = append(lines, s.line)
		}
	}

	out := strings.Join(lines, "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("writing tool config: %w", err)
	}
	return nil
}

// isAssignment reports whether line assigns to exactly key, so that
// "file_db_sqlite_backup = ..." does not match key "file_db_sqlite".
func isAssignment(line, key string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, key) {
		return false
	}
	rest := strings.TrimLeft(trimmed[len(key):], " \t")
	return strings.HasPrefix(rest, "=")
}
