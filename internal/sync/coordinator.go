package sync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// Config carries the coordinator's collaborators and policy. All five
// stage interfaces are required.
type Config struct {
	Upstream  pipeline.Upstream
	Cache     pipeline.ArchiveCache
	Converter pipeline.Converter
	Loader    pipeline.Loader
	Metadata  pipeline.MetadataStore

	// AlwaysRefresh forces the full chain to run even when the
	// freshness decision says the destination is current. Meant for
	// debugging and for rebuilding a destination after manual edits.
	AlwaysRefresh bool

	// Logger receives run progress. Nil falls back to the logrus
	// standard logger.
	Logger *logrus.Logger
}

// coordinator implements the Coordinator interface.
type coordinator struct {
	upstream      pipeline.Upstream
	cache         pipeline.ArchiveCache
	converter     pipeline.Converter
	loader        pipeline.Loader
	metadata      pipeline.MetadataStore
	alwaysRefresh bool
	logger        *logrus.Logger
}

// New creates a Coordinator from cfg.
//
// Example:
//
//	coordinator := sync.New(sync.Config{
//	    Upstream:  upstream.New(cfg.BagURL, 0, logger),
//	    Cache:     archive.New(cfg.ArchivePath, up, logger),
//	    Converter: converter,
//	    Loader:    loader.New(db, loaderCfg, logger),
//	    Metadata:  store,
//	    Logger:    logger,
//	})
func New(cfg Config) Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &coordinator{
		upstream:      cfg.Upstream,
		cache:         cfg.Cache,
		converter:     cfg.Converter,
		loader:        cfg.Loader,
		metadata:      cfg.Metadata,
		alwaysRefresh: cfg.AlwaysRefresh,
		logger:        cfg.Logger,
	}
}

// Run implements Coordinator.Run.
func (c *coordinator) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	runID := uuid.NewString()

	log := c.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"url":    c.upstream.URL(),
	})
	log.Info("sync run started")

	result, err := c.runStages(ctx, log)
	result.RunID = runID
	result.Elapsed = time.Since(started)

	record := pipeline.RunRecord{
		ID:         runID,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Outcome:    result.Outcome.String(),
		Rows:       result.Rows,
	}

	if err != nil {
		record.Error = err.Error()
		log.WithFields(logrus.Fields{
			"kind":    pipeline.Kind(err),
			"elapsed": result.Elapsed.Round(time.Millisecond),
		}).WithError(err).Error("sync run failed")
	} else {
		log.WithFields(logrus.Fields{
			"outcome": result.Outcome,
			"rows":    result.Rows,
			"elapsed": result.Elapsed.Round(time.Millisecond),
		}).Info("sync run finished")
	}

	// History is advisory. Failing to record must not fail the run.
	if recErr := c.metadata.RecordRun(ctx, record); recErr != nil {
		log.WithError(recErr).Warn("recording run history failed")
	}

	return result, err
}

// runStages walks the stage sequence and reports the outcome. The
// returned error, when non-nil, is the failing stage's error with its
// kind intact.
func (c *coordinator) runStages(ctx context.Context, log *logrus.Entry) (Result, error) {
	result := Result{Outcome: OutcomeFailed}

	fresh, err := c.freshness(ctx, log)
	if err != nil {
		return result, err
	}
	result.RemoteLastModified = fresh.Remote.Time

	if !fresh.RefreshNeeded {
		if !c.alwaysRefresh {
			log.WithFields(logrus.Fields{
				"remote_last_modified": fresh.Remote.Raw,
				"stored_watermark":     fresh.Stored,
			}).Info("destination already current")
			result.Outcome = OutcomeUpToDate
			return result, nil
		}
		log.Info("refresh forced by configuration")
	}

	archivePath, err := c.cache.Ensure(ctx, fresh.Remote)
	if err != nil {
		return result, err
	}

	exportPath, err := c.converter.Convert(ctx, archivePath)
	if err != nil {
		return result, err
	}

	loaded, err := c.loader.Load(ctx, exportPath)
	if err != nil {
		return result, err
	}
	result.Rows = loaded.Rows
	result.Drift = loaded.Drift

	// The watermark advances only now, after the destination holds the
	// new snapshot in full. It stores the header value verbatim.
	if err := c.metadata.Upsert(ctx, pipeline.WatermarkKey, fresh.Remote.Raw); err != nil {
		return result, fmt.Errorf("persisting watermark: %w", err)
	}

	result.Outcome = OutcomeRefreshed
	return result, nil
}

// Check implements Coordinator.Check.
func (c *coordinator) Check(ctx context.Context) (Freshness, error) {
	return c.freshness(ctx, c.logger.WithField("op", "check"))
}

// freshness combines the HEAD probe, the stored watermark, and the
// archive's condition into the refresh decision.
func (c *coordinator) freshness(ctx context.Context, log *logrus.Entry) (Freshness, error) {
	remote, err := c.upstream.LastModified(ctx)
	if err != nil {
		return Freshness{}, err
	}

	fresh := Freshness{
		Remote:       remote,
		ArchiveState: c.cache.State(),
	}

	stored, ok, err := c.metadata.Get(ctx, pipeline.WatermarkKey)
	if err != nil {
		return Freshness{}, fmt.Errorf("reading stored watermark: %w", err)
	}
	if ok {
		fresh.Stored = stored
		parsed, parseErr := http.ParseTime(stored)
		if parseErr != nil {
			// A watermark we cannot interpret cannot prove freshness.
			log.WithField("stored_watermark", stored).Warn("stored watermark is unparseable, forcing refresh")
		} else {
			fresh.StoredTime = parsed
			fresh.HaveStored = true
		}
	}

	fresh.RefreshNeeded = needsRefresh(
		remote.Time,
		fresh.StoredTime,
		fresh.HaveStored,
		fresh.ArchiveState == pipeline.CacheValid,
	)
	return fresh, nil
}

// needsRefresh is the freshness decision. A refresh is not needed only
// when a watermark exists, the remote is not newer than it, and the
// local archive independently passes its integrity check. The archive
// condition is re-verified every cycle because an operator can delete
// or corrupt the file between runs without the watermark noticing.
func needsRefresh(remote, stored time.Time, haveStored, archiveValid bool) bool {
	if !haveStored || !archiveValid {
		return true
	}
	return remote.After(stored)
}
