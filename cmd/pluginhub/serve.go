package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/application/services"
	"github.com/pluginhub-dev/pluginhub/internal/config"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/blob"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/httpapi"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/metrics"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/optimize"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/persistence/memory"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/persistence/postgres"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/signature"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the plugin registry HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.LoadRegistry(cfgFile)
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	var (
		plugins    ports.PluginRepository
		versions   ports.VersionRepository
		trustStore ports.TrustStore
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.DefaultOptions())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
		plugins = postgres.NewPluginRepository(db)
		versions = postgres.NewVersionRepository(db)
		trustStore = postgres.NewTrustStore(db)
		logger.Info("using postgres persistence")
	} else {
		mem := memory.NewPluginRepository()
		plugins = mem
		versions = memory.NewVersionRepository(mem)
		trustStore = memory.NewTrustStore()
		logger.Warn("no database configured, using in-memory persistence")
	}

	blobs, err := blob.NewStore(cfg.StoragePath, logger)
	if err != nil {
		return err
	}

	cache := validation.NewCache(cfg.CacheSize, cfg.CacheTTL)
	scanner := validation.NewSecurityScanner(validation.ScanLimits{
		MaxContentSize: cfg.MaxContentSize,
		MaxIterations:  cfg.MaxIterations,
		RegexTimeout:   cfg.RegexTimeout,
	})
	validator := validation.NewBundleValidator(cache, validation.NewStructureValidator(nil), scanner, logger)

	keys, err := signature.LoadKeys(cfg.TrustedKeys)
	if err != nil {
		return err
	}
	verifier := signature.NewVerifier(keys, signature.Policy{
		RequireSignatures: cfg.RequireSignatures,
		AllowUnsigned:     cfg.AllowUnsigned,
	}, logger)

	optimizer := optimize.New(optimize.Config{
		CompressionLevel: cfg.OptLevel,
		Algorithm:        optimize.Algorithm(cfg.OptCompression),
		StripArtifacts:   true,
	}, logger)

	var table *trust.Table
	if cfg.TrustPolicyFile != "" {
		table, err = trust.LoadTable(cfg.TrustPolicyFile)
		if err != nil {
			return err
		}
	}

	trustSvc := services.NewTrustService(trustStore, table, bus, logger)
	lifecycle := services.NewLifecycleService(versions, bus, logger)
	ingest := services.NewIngestService(
		services.IngestConfig{MaxFileSize: cfg.MaxPluginSize, EnableOptimization: cfg.EnableOptimization},
		validator, verifier, optimizer, blobs, plugins, lifecycle, trustSvc, bus, logger)
	reconciler := services.NewReconcileService(plugins, versions, blobs, logger)

	if _, err := reconciler.Reconcile(ctx); err != nil {
		logger.Error("boot reconciliation failed", "error", err)
	}

	collector := metrics.NewCollector(cache, plugins, bus)
	defer collector.Close()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() {
		removed := cache.Sweep()
		if removed > 0 {
			logger.Debug("validation cache sweep", "removed", removed)
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 1h", func() {
		if _, err := reconciler.Reconcile(context.Background()); err != nil {
			logger.Error("scheduled reconciliation failed", "error", err)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()

	server := httpapi.NewServer(
		httpapi.Config{
			ListenAddr:      cfg.ListenAddr,
			ReadTimeout:     httpapi.DefaultConfig().ReadTimeout,
			WriteTimeout:    httpapi.DefaultConfig().WriteTimeout,
			ShutdownTimeout: httpapi.DefaultConfig().ShutdownTimeout,
		},
		plugins, blobs, ingest, lifecycle, trustSvc, validator, collector.Handler(), logger)

	err = server.Run(ctx)

	// Drain in this order: HTTP first so no handler publishes after the
	// bus closes, then the scheduler, then the deferred collector and bus.
	cronCtx := scheduler.Stop()
	<-cronCtx.Done()
	return err
}
