package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/archive"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/config"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/convert"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/loader"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/metadata"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/sync"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/upstream"
)

// stack bundles the wired pipeline behind the coordinator, together
// with the resources a command must close when it is done.
type stack struct {
	coordinator sync.Coordinator
	metadata    pipeline.MetadataStore
	db          *sql.DB
}

func (s *stack) Close() {
	s.metadata.Close()
	s.db.Close()
}

// buildStack wires the full pipeline from the configuration: upstream
// client, archive cache, parser adapter, Postgres loader and the
// selected metadata backend. Connection failures are fatal.
func buildStack(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *stack {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating work directory: %v\n", err)
		os.Exit(1)
	}

	db, err := loader.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to destination database: %v\n", err)
		os.Exit(1)
	}

	var store pipeline.MetadataStore
	switch cfg.MetadataBackend {
	case "sqlite":
		s, err := metadata.OpenSQLite(ctx, cfg.MetadataFile(), logger)
		if err != nil {
			db.Close()
			fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
			os.Exit(1)
		}
		store = s
	default:
		// Watermark and run history share the destination's pool.
		s := metadata.NewPostgres(db, logger)
		if err := s.InitSchema(ctx); err != nil {
			db.Close()
			fmt.Fprintf(os.Stderr, "Error initializing metadata schema: %v\n", err)
			os.Exit(1)
		}
		store = s
	}

	up := upstream.New(cfg.BagURL, cfg.HeadTimeout, logger)

	tool := convert.NewTool(convert.ToolConfig{
		RepoURL:            cfg.ParserRepo,
		Dir:                cfg.ParserCheckout(),
		Python:             cfg.Python,
		StageTimeout:       cfg.StageTimeout,
		CleanupStaleTables: cfg.CleanupStaleTables,
	}, logger)

	coordinator := sync.New(sync.Config{
		Upstream:  up,
		Cache:     archive.New(cfg.ArchivePath(), up, logger),
		Converter: convert.NewAdapter(tool, cfg.StorePath(), cfg.ExportPath(), logger),
		Loader: loader.New(db, loader.Config{
			Table:  cfg.Table,
			Schema: cfg.TableSchema,
			Policy: cfg.Policy(),
		}, logger),
		Metadata:      store,
		AlwaysRefresh: cfg.AlwaysRefresh,
		Logger:        logger,
	})

	return &stack{coordinator: coordinator, metadata: store, db: db}
}
