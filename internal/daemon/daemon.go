// Package daemon runs the synchronization pipeline on a schedule.
//
// The daemon:
// 1. Invokes the sync coordinator at a fixed interval
// 2. Skips ticks that arrive while a run is still in flight
// 3. Serves Prometheus metrics and live dashboard events
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/dashboard"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/metrics"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
	syncpkg "github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often a synchronization run is attempted
	Interval time.Duration

	// RunOnStart triggers a run immediately instead of waiting for
	// the first tick
	RunOnStart bool

	// MetricsAddr is the Prometheus exposition listen address. Empty
	// disables the metrics server.
	MetricsAddr string

	// DashboardAddr is the live dashboard listen address. Empty
	// disables the dashboard.
	DashboardAddr string

	// ArchivePath, when set, is measured after every run and reported
	// through the archive size gauge.
	ArchivePath string

	// History, when set, primes the dashboard statistics from the
	// persisted run history on startup.
	History pipeline.MetadataStore

	// Logger for daemon activity
	Logger *logrus.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:   24 * time.Hour,
		RunOnStart: true,
		Logger:     logrus.StandardLogger(),
	}
}

// Daemon drives periodic synchronization runs and the observability
// endpoints around them.
type Daemon struct {
	coordinator syncpkg.Coordinator
	config      *Config
	logger      *logrus.Logger

	metrics   *metrics.Metrics
	dashboard *dashboard.Server
	events    *dashboard.Handler

	// Single-flight guard: a tick that lands while a run is active
	// is skipped, never queued.
	runMu    sync.Mutex
	skipped  atomic.Int64
	inflight sync.WaitGroup

	addrMu        sync.Mutex
	metricsAddr   string
	dashboardAddr string
}

// New creates a daemon with default configuration.
//
// Use Start() to begin scheduling runs.
func New(coordinator syncpkg.Coordinator) (*Daemon, error) {
	return NewWithConfig(coordinator, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(coordinator syncpkg.Coordinator, config *Config) (*Daemon, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	d := &Daemon{
		coordinator: coordinator,
		config:      config,
		logger:      config.Logger,
		metrics:     metrics.New(),
	}

	if config.DashboardAddr != "" {
		d.dashboard = dashboard.NewServer(&dashboard.Config{
			Addr:   config.DashboardAddr,
			Logger: config.Logger,
		})
		d.events = dashboard.NewHandler(d.dashboard, config.Logger)
	}

	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Start the dashboard and metrics servers when configured
// 2. Run one synchronization immediately when RunOnStart is set
// 3. Attempt a run on every interval tick
//
// This blocks until ctx is cancelled or one of the servers fails. A
// failed synchronization run does not stop the daemon; the next tick
// tries again.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.WithFields(logrus.Fields{
		"interval":  d.config.Interval,
		"metrics":   d.config.MetricsAddr,
		"dashboard": d.config.DashboardAddr,
	}).Info("daemon starting")

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			return fmt.Errorf("starting dashboard: %w", err)
		}
		d.addrMu.Lock()
		d.dashboardAddr = d.dashboard.GetAddr()
		d.addrMu.Unlock()

		d.seedDashboard(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.runScheduler(gctx)
	})

	if d.config.MetricsAddr != "" {
		g.Go(func() error {
			return d.serveMetrics(gctx)
		})
	}

	err := g.Wait()

	// Let an in-flight run notice the cancellation and wind down.
	d.inflight.Wait()

	if d.dashboard != nil {
		if stopErr := d.dashboard.Stop(); stopErr != nil {
			d.logger.WithError(stopErr).Warn("stopping dashboard")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	d.logger.Info("daemon stopped")
	return nil
}

// runScheduler fires synchronization attempts until ctx is cancelled.
func (d *Daemon) runScheduler(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	if d.config.RunOnStart {
		d.spawnRun(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.spawnRun(ctx, "schedule")
		}
	}
}

// spawnRun starts a run unless one is already active.
func (d *Daemon) spawnRun(ctx context.Context, trigger string) {
	if !d.runMu.TryLock() {
		d.skipped.Add(1)
		d.metrics.SkipTick()
		d.logger.Warn("previous run still active, skipping tick")
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.runMu.Unlock()
		d.runOnce(ctx, trigger)
	}()
}

// runOnce drives one coordinator run and publishes its result.
func (d *Daemon) runOnce(ctx context.Context, trigger string) {
	if d.events != nil {
		d.events.OnRunStarted(trigger)
	}

	result, err := d.coordinator.Run(ctx)

	d.metrics.ObserveRun(result, err)
	d.measureArchive()

	if d.events != nil {
		if err != nil {
			d.events.OnRunFailed(result, err)
		} else {
			d.events.OnRunCompleted(result)
		}
	}
}

// measureArchive refreshes the archive size gauge.
func (d *Daemon) measureArchive() {
	if d.config.ArchivePath == "" {
		return
	}
	info, err := os.Stat(d.config.ArchivePath)
	if err != nil {
		d.metrics.SetArchiveBytes(0)
		return
	}
	d.metrics.SetArchiveBytes(info.Size())
}

// seedDashboard primes the dashboard statistics from persisted history.
func (d *Daemon) seedDashboard(ctx context.Context) {
	if d.config.History == nil || d.events == nil {
		return
	}

	runs, err := d.config.History.RecentRuns(ctx, 50)
	if err != nil {
		d.logger.WithError(err).Warn("reading run history for dashboard")
		return
	}
	d.events.UpdateStats(runs)
}

// serveMetrics exposes the Prometheus collectors until ctx is cancelled.
func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", d.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	d.addrMu.Lock()
	d.metricsAddr = ln.Addr().String()
	d.addrMu.Unlock()

	server := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	d.logger.WithField("addr", ln.Addr().String()).Info("metrics listening")

	select {
	case serveErr := <-errCh:
		return fmt.Errorf("metrics server: %w", serveErr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return ctx.Err()
}

// MetricsAddr returns the metrics server's listening address. Empty
// until Start has bound the listener.
func (d *Daemon) MetricsAddr() string {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.metricsAddr
}

// DashboardAddr returns the dashboard's listening address. Empty when
// the dashboard is disabled or not yet started.
func (d *Daemon) DashboardAddr() string {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.dashboardAddr
}

// SkippedTicks reports how many scheduler ticks were skipped because a
// run was still active.
func (d *Daemon) SkippedTicks() int64 {
	return d.skipped.Load()
}
