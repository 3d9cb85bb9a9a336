// Package convert drives the external conversion tool that turns the
// registry archive into a tabular export, in two stages: archive into
// an intermediate sqlite store, then store into a CSV export.
//
// The tool is a black box. Only the exit status of each stage is
// interpreted; its stderr is folded into the returned error for
// operators. The Pipeline interface isolates the two stages so the
// rest of the system can be exercised with a double instead of a real
// subprocess.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// Pipeline is the two-stage conversion capability.
type Pipeline interface {
	// ArchiveToStore unpacks archivePath into the intermediate store
	// at storePath.
	ArchiveToStore(ctx context.Context, archivePath, storePath string) error

	// StoreToExport flattens the intermediate store at storePath into
	// a tabular export at exportPath.
	StoreToExport(ctx context.Context, storePath, exportPath string) error
}

// Adapter owns the artifact paths and sequences the two stages. It
// implements pipeline.Converter.
type Adapter struct {
	pipeline   Pipeline
	storePath  string
	exportPath string
	logger     *logrus.Logger
}

// NewAdapter wires a Pipeline to fixed store and export paths. A nil
// logger falls back to the logrus standard logger.
func NewAdapter(p Pipeline, storePath, exportPath string, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		pipeline:   p,
		storePath:  storePath,
		exportPath: exportPath,
		logger:     logger,
	}
}

// StorePath returns where the intermediate store is written.
func (a *Adapter) StorePath() string {
	return a.storePath
}

// ExportPath returns where the tabular export is written.
func (a *Adapter) ExportPath() string {
	return a.exportPath
}

// Convert runs both stages against archivePath and returns the export
// path. The previous export is removed up front, so a failed run can
// never leave an old export lying around to be mistaken for fresh
// output.
func (a *Adapter) Convert(ctx context.Context, archivePath string) (string, error) {
	if err := os.Remove(a.exportPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: removing previous export: %v", pipeline.ErrConversion, err)
	}

	start := time.Now()

	if err := a.pipeline.ArchiveToStore(ctx, archivePath, a.storePath); err != nil {
		return "", fmt.Errorf("%w: archive import stage: %v", pipeline.ErrConversion, err)
	}
	if err := a.pipeline.StoreToExport(ctx, a.storePath, a.exportPath); err != nil {
		return "", fmt.Errorf("%w: export stage: %v", pipeline.ErrConversion, err)
	}

	a.logger.WithFields(logrus.Fields{
		"export":  a.exportPath,
		"elapsed": time.Since(start).Round(time.Second),
	}).Info("conversion complete")

	return a.exportPath, nil
}
