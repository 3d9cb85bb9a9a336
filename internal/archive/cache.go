// Package archive manages the single local copy of the registry
// archive: integrity checking, and re-fetching from upstream when the
// copy is absent, damaged, or older than the remote snapshot.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// progressLogInterval is how many bytes between download progress log
// lines.
const progressLogInterval = 100 << 20

// Cache owns the archive file at a fixed path. It implements
// pipeline.ArchiveCache.
//
// The file is only ever replaced by writing a temporary file next to
// it, validating that, and renaming it over the old one, so readers of
// Path never observe a partially written archive.
type Cache struct {
	path     string
	upstream pipeline.Upstream
	logger   *logrus.Logger
}

// New creates a cache for the archive at path, fetching from upstream
// on demand. A nil logger falls back to the logrus standard logger.
func New(path string, upstream pipeline.Upstream, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		path:     path,
		upstream: upstream,
		logger:   logger,
	}
}

// Path returns the archive's location on disk.
func (c *Cache) Path() string {
	return c.path
}

// State re-inspects the file and classifies it. Absent means no file,
// invalid means empty or failing the zip self-test, valid means the
// container and every entry's checksum hold up.
func (c *Cache) State() pipeline.CacheState {
	info, err := os.Stat(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return pipeline.CacheAbsent
	}
	if err != nil || info.IsDir() || info.Size() == 0 {
		return pipeline.CacheInvalid
	}
	if err := validateZip(c.path); err != nil {
		c.logger.WithFields(logrus.Fields{
			"path":  c.path,
			"error": err,
		}).Warn("cached archive failed integrity check")
		return pipeline.CacheInvalid
	}
	return pipeline.CacheValid
}

// Ensure returns the path to a validated archive matching the remote
// snapshot, downloading a fresh copy when the cached one is absent,
// invalid, or older than the snapshot described by remote.
//
// A downloaded archive gets its mtime set to remote.Time, the same
// bookkeeping wget and curl use for conditional downloads, so staleness
// survives process restarts.
func (c *Cache) Ensure(ctx context.Context, remote pipeline.Stamp) (string, error) {
	if c.State() == pipeline.CacheValid && c.isCurrent(remote) {
		c.logger.WithField("path", c.path).Debug("archive cache hit")
		return c.path, nil
	}

	if err := c.refresh(ctx, remote); err != nil {
		return "", err
	}
	return c.path, nil
}

// isCurrent reports whether the cached file's recorded modification
// time is at least the remote snapshot's. A zero remote time means the
// caller has no snapshot stamp, and any valid file counts as current.
func (c *Cache) isCurrent(remote pipeline.Stamp) bool {
	if remote.Time.IsZero() {
		return true
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return false
	}
	return !info.ModTime().Before(remote.Time)
}

// refresh downloads the archive into a temporary file, validates it,
// and renames it into place. On any failure the temporary file is
// removed and whatever was at the archive path before is untouched.
func (c *Cache) refresh(ctx context.Context, remote pipeline.Stamp) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating archive directory %s: %v", pipeline.ErrFetch, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".partial-*")
	if err != nil {
		return fmt.Errorf("%w: creating temporary archive file: %v", pipeline.ErrFetch, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	counter := &progressWriter{w: tmp, logger: c.logger}
	written, err := c.upstream.Download(ctx, counter)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: flushing archive to disk: %v", pipeline.ErrFetch, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing archive file: %v", pipeline.ErrFetch, err)
	}

	if err := validateZip(tmpPath); err != nil {
		return fmt.Errorf("%w: fetched archive failed integrity check: %v", pipeline.ErrFetch, err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("%w: moving archive into place: %v", pipeline.ErrFetch, err)
	}

	if !remote.Time.IsZero() {
		if err := os.Chtimes(c.path, time.Now(), remote.Time); err != nil {
			return fmt.Errorf("%w: recording snapshot time on archive: %v", pipeline.ErrFetch, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"path":  c.path,
		"bytes": written,
	}).Info("archive refreshed")
	return nil
}

// validateZip opens the container and reads every entry back so the
// per-entry checksums are verified, not just the central directory.
func validateZip(path string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening container: %w", err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("opening entry %s: %w", entry.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("reading entry %s: %w", entry.Name, err)
		}
	}
	return nil
}

// progressWriter counts bytes through to the underlying writer and
// logs a progress line every progressLogInterval bytes.
type progressWriter struct {
	w       io.Writer
	logger  *logrus.Logger
	written int64
	next    int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written >= p.next {
		p.logger.WithField("bytes", p.written).Debug("download progress")
		p.next = p.written + progressLogInterval
	}
	return n, err
}
