package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pluginhub-dev/pluginhub/internal/application/services"
	"github.com/pluginhub-dev/pluginhub/internal/config"
	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/host"
	"github.com/pluginhub-dev/pluginhub/internal/host/resolver"
	"github.com/pluginhub-dev/pluginhub/internal/host/resources"
	"github.com/pluginhub-dev/pluginhub/internal/host/state"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/persistence/memory"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the plugin host",
	Long: `Scans the plugins directory, resolves dependencies, and loads every
valid plugin with the configured strategy, then supervises them until
interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runHost(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(parent context.Context) error {
	cfg, err := config.LoadHost(cfgFile)
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	machine := state.NewMachine(bus, logger)
	res := resolver.New(machine, bus, logger)
	defer res.Close()
	tracker := resources.NewTracker(logger)
	defer tracker.Close()

	// Standalone hosts keep trust state in memory; policy screening still
	// applies against the default policy table.
	trustSvc := services.NewTrustService(memory.NewTrustStore(), nil, bus, logger)

	h := host.New(host.Config{
		PluginsDir:  cfg.PluginsDir,
		Strategy:    cfg.Strategy,
		BatchSize:   cfg.BatchSize,
		LoadTimeout: cfg.LoadTimeout,
		Resolver:    resolver.Options{MaxWaitTime: cfg.DependencyWait},
	}, machine, res, tracker, trustSvc, &fileFramework{logger: logger}, bus, logger)

	result, failures, err := h.ScanAndLoadAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("host running",
		"loaded", len(result.Loaded),
		"failed", len(result.Failed),
		"discoveryFailures", len(failures))

	<-ctx.Done()
	logger.Info("shutting down host")
	return h.UnloadAll(context.Background())
}

// fileFramework is the built-in module mechanism: it checks that the
// declared entry point exists on disk and hands back a descriptor. Real
// execution environments supply their own framework.
type fileFramework struct {
	logger *slog.Logger
}

type fileModule struct {
	Name       string
	EntryPoint string
	Path       string
}

func (f *fileFramework) Instantiate(_ context.Context, m *manifest.Manifest, path string) (host.Module, error) {
	entry := filepath.Join(path, m.EntryPoint+".js")
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("entry point %s not found: %w", m.EntryPoint, err)
	}
	f.logger.Debug("module instantiated", "plugin", m.Name, "entry", entry)
	return &fileModule{Name: m.Name, EntryPoint: m.EntryPoint, Path: path}, nil
}

func (f *fileFramework) Dispose(_ context.Context, module host.Module) error {
	if mod, ok := module.(*fileModule); ok {
		f.logger.Debug("module disposed", "plugin", mod.Name)
	}
	return nil
}
