package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridshare/storaged/internal/logger"
	"github.com/gridshare/storaged/pkg/config"
	"github.com/gridshare/storaged/pkg/metrics"
	"github.com/gridshare/storaged/pkg/storage/crawler"
	"github.com/gridshare/storaged/pkg/storage/crawler/indexdb"
	"github.com/gridshare/storaged/pkg/storage/crawlstate"
	"github.com/gridshare/storaged/pkg/storage/diskspace"
	"github.com/gridshare/storaged/pkg/storage/expirer"
	"github.com/gridshare/storaged/pkg/storage/server"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the storage-server core",
	Long: `Start the storage-server core in the foreground.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/storaged/config.yaml.

Examples:
  # Start with default config
  storaged start

  # Start with custom config file
  storaged start --config /etc/storaged/config.yaml

  # Start with environment variable overrides
  STORAGED_LOGGING_LEVEL=DEBUG storaged start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("storaged starting",
		"log_level", cfg.Logging.Level,
		"log_format", cfg.Logging.Format,
		"config_source", getConfigSource(GetConfigFile()))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry(prometheusRegistry())
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}

	nodeID, err := loadOrCreateNodeID(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to load or create node id: %w", err)
	}

	accountant := diskspace.NewAccountant(diskspace.NewPlatformProber(), cfg.Storage.ReservedSpace.Uint64())

	srv, err := server.New(server.Config{
		BaseDir:         cfg.Storage.BaseDir,
		NodeID:          nodeID,
		Accountant:      accountant,
		ReadonlyStorage: cfg.Storage.ReadonlyStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage server: %w", err)
	}
	logger.Info("storage server initialized",
		"base_dir", cfg.Storage.BaseDir,
		"readonly", cfg.Storage.ReadonlyStorage,
		"reserved_space", cfg.Storage.ReservedSpace.String())

	shareDir := fmt.Sprintf("%s/shares", cfg.Storage.BaseDir)

	crawlerMetrics := metrics.NewCrawlerMetrics()
	exp, err := expirer.New(expirer.Config{
		ShareDir:              shareDir,
		Guard:                 srv.Guard(),
		Enabled:               cfg.Expiration.Enabled,
		Mode:                  expirer.Mode(cfg.Expiration.Mode),
		OverrideLeaseDuration: cfg.Expiration.OverrideLeaseDuration,
		CutoffDate:            cfg.Expiration.CutoffDate,
		ShareTypes:            shareTypeSet(cfg.Expiration.ShareTypes),
		Metrics:               crawlerMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize lease expirer: %w", err)
	}

	idx, err := indexdb.Open(fmt.Sprintf("%s/crawler-index", cfg.Storage.BaseDir), indexDBMetrics())
	if err != nil {
		return fmt.Errorf("failed to initialize crawler index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	store := crawlstate.NewStore(cfg.Storage.BaseDir, "lease_checker")
	crawl := crawler.New(crawler.Config{
		ShareDir:         shareDir,
		Store:            store,
		CPUSlice:         cfg.Crawler.CPUSlice,
		MinimumCycleTime: cfg.Crawler.MinimumCycleTime,
		SlowStart:        cfg.Crawler.SlowStart,
		VisitBucket:      exp.VisitBucket,
		OnCycleStart:     exp.StartCycle,
		OnCycleEnd:       exp.Summary,
		Metrics:          crawlerMetrics,
		Index:            idx,
	})

	crawlerDone := make(chan error, 1)
	go func() {
		crawlerDone <- crawl.Run(ctx)
	}()

	logger.Info("crawler started",
		"cpu_slice", cfg.Crawler.CPUSlice,
		"minimum_cycle_time", cfg.Crawler.MinimumCycleTime,
		"slow_start", cfg.Crawler.SlowStart)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("storaged is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-crawlerDone:
		signal.Stop(sigChan)
		if err != nil && err != context.Canceled {
			logger.Error("crawler stopped unexpectedly", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Close(shutdownCtx); err != nil {
		logger.Error("storage server shutdown error", "error", err)
		return err
	}

	select {
	case <-crawlerDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("crawler did not stop within shutdown timeout")
	}

	logger.Info("storaged stopped")
	return nil
}

func shareTypeSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
