package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tflow/attachstore/internal/attachment"
	"github.com/tflow/attachstore/internal/cache"
	"github.com/tflow/attachstore/internal/compress"
	"github.com/tflow/attachstore/internal/config"
	"github.com/tflow/attachstore/internal/httpapi"
	"github.com/tflow/attachstore/internal/metrics"
	"github.com/tflow/attachstore/internal/pathresolve"
	"github.com/tflow/attachstore/internal/records"
	"github.com/tflow/attachstore/internal/records/postgres"
	"github.com/tflow/attachstore/internal/transfer"
	"github.com/tflow/attachstore/pkg/health"
	"github.com/tflow/attachstore/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attachment HTTP server",
	Long: `Start the attachment HTTP server.

The server runs until it receives SIGINT or SIGTERM, then stops accepting
requests, lets in-flight transfers finish and closes every remote session.

Examples:
  # Serve with defaults and environment overrides
  ATTACHSTORE_FTP_HOST=ftp.example.com attachd serve

  # Serve with a config file
  attachd serve --config /etc/attachstore/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(&cfg.Metrics, logger)
	if err != nil {
		return err
	}

	pool, policy, err := newPolicy(ctx, cfg, collector, logger)
	if err != nil {
		return err
	}
	defer pool.Drain()
	if err := collector.RegisterPool(pool.Stats); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent(health.ComponentRemote, func(ctx context.Context) error {
		return policy.Run(ctx, "ping", ping)
	})

	transferCfg, err := cfg.TransferSettings()
	if err != nil {
		return err
	}
	resolver := pathresolve.New(policy, cfg.Remote.Layout, logger)
	pipeline := transfer.New(policy, resolver, transferCfg, transfer.Observers{collector, tracker}, logger)

	overlay, err := newOverlay(cfg, collector, logger)
	if err != nil {
		return err
	}
	if overlay != nil {
		defer func() { _ = overlay.Close() }()
	}

	recordStore, closeRecords, err := newRecordStore(ctx, cfg, tracker, logger)
	if err != nil {
		return err
	}
	defer closeRecords()

	var local *attachment.LocalStore
	if cfg.Uploads.LocalFallbackDir != "" {
		local, err = attachment.NewLocalStore(cfg.Uploads.LocalFallbackDir)
		if err != nil {
			return err
		}
	}

	uploadCfg, err := cfg.UploadSettings()
	if err != nil {
		return err
	}
	svc := attachment.NewService(attachment.Dependencies{
		Pipeline:   pipeline,
		Layout:     cfg.Remote.Layout,
		Records:    recordStore,
		Cache:      overlay,
		Compressor: compress.New(cfg.Compression, collector, logger),
		Local:      local,
		Health:     tracker,
	}, uploadCfg, logger)
	defer svc.Wait()

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Stop(stopCtx)
	}()

	go tracker.StartHealthChecks(ctx)

	opts := httpapi.Options{
		Service:   svc,
		Health:    tracker,
		PoolStats: pool.Stats,
		Summary:   collector.GetMetrics,
		Logger:    logger,
	}
	if collector.Enabled() && cfg.Metrics.Port == 0 {
		opts.Metrics = collector.Handler()
	}
	server := httpapi.New(httpapi.Config{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
	}, opts)

	logger.Info("Starting attachd",
		"version", Version,
		"driver", cfg.Remote.Driver,
		"current_dir", cfg.Remote.Layout.CurrentDir,
		"max_sessions", cfg.Pool.MaxSessions,
		"cache", overlay != nil,
		"local_fallback", local != nil)

	if err := server.Run(ctx); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func newOverlay(cfg *config.Configuration, collector *metrics.Collector, logger *slog.Logger) (*cache.Overlay, error) {
	if !cfg.Cache.Enabled {
		logger.Info("Attachment cache disabled")
		return nil, nil
	}
	cacheCfg, err := cfg.CacheSettings()
	if err != nil {
		return nil, err
	}
	overlay, err := cache.New(cacheCfg, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	err = collector.RegisterCache(func() map[string]types.CacheStats {
		s := overlay.Stats()
		return map[string]types.CacheStats{cache.TierMemory: s.Memory, cache.TierDisk: s.Disk}
	})
	if err != nil {
		_ = overlay.Close()
		return nil, fmt.Errorf("register cache metrics: %w", err)
	}
	return overlay, nil
}

// newRecordStore opens PostgreSQL when a DSN is configured and falls back to
// an in-memory store otherwise.
func newRecordStore(ctx context.Context, cfg *config.Configuration, tracker *health.Tracker, logger *slog.Logger) (records.Store, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("No database configured, attachment records are kept in memory")
		return records.NewMemoryStore(), func() {}, nil
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.DSN, logger); err != nil {
			return nil, nil, err
		}
	}
	db, err := postgres.Connect(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	tracker.RegisterComponent(health.ComponentRecords, db.Ping)
	return postgres.NewStore(db), db.Close, nil
}
