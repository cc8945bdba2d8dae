package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/cloudarchive/pkg/api"
	"github.com/ethpandaops/cloudarchive/pkg/archiver"
	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	runOutputDir     string
	runNoAutoStart   bool
	runSkipPreflight bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the output directory and upload new files",
	Long: `Start the archiver. New files under the output directory are uploaded once
their size stops changing. The control API is served when api.enabled is set.`,
	RunE: runArchiver,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "",
		"Directory to watch (overrides archive.output_dir)")
	runCmd.Flags().BoolVar(&runNoAutoStart, "no-auto-start", false,
		"Do not start watching until requested through the API")
	runCmd.Flags().BoolVar(&runSkipPreflight, "skip-preflight", false,
		"Skip the storage write check on startup")
}

func runArchiver(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if runOutputDir != "" {
		cfg.Archive.OutputDir = runOutputDir
	}

	if runNoAutoStart {
		cfg.Archive.AutoStart = false
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	deps, err := openDependencies(ctx, cfg, !runSkipPreflight)
	if err != nil {
		return err
	}
	defer deps.close()

	svc, err := archiver.New(log, cfg, deps.backend, deps.archiverOptions()...)
	if err != nil {
		return fmt.Errorf("creating archiver: %w", err)
	}

	if err := svc.Open(ctx); err != nil {
		return fmt.Errorf("opening archiver: %w", err)
	}

	defer func() {
		if err := svc.Close(); err != nil {
			log.WithError(err).Warn("Failed to close archiver")
		}
	}()

	if cfg.API.Enabled {
		srv := api.NewServer(log, &cfg.API, svc)

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}

		defer func() {
			if err := srv.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop api server")
			}
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down")

	return nil
}

// dependencies are the external resources shared by every command that
// runs the pipeline in-process.
type dependencies struct {
	backend storage.Backend
	history history.Store
}

// openDependencies creates the storage backend and, when enabled, the
// history store.
func openDependencies(ctx context.Context, cfg *config.Config, preflight bool) (*dependencies, error) {
	backend, err := storage.New(ctx, log, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("creating storage backend: %w", err)
	}

	if preflight {
		if err := backend.Preflight(ctx); err != nil {
			_ = backend.Close()

			return nil, fmt.Errorf("storage preflight: %w", err)
		}
	}

	deps := &dependencies{backend: backend}

	if cfg.History.Enabled {
		store := history.NewStore(log, &cfg.History.Database)

		if err := store.Start(ctx); err != nil {
			_ = backend.Close()

			return nil, fmt.Errorf("starting history store: %w", err)
		}

		deps.history = store
	}

	return deps, nil
}

func (d *dependencies) archiverOptions() []archiver.Option {
	if d.history == nil {
		return nil
	}

	return []archiver.Option{archiver.WithHistory(d.history)}
}

func (d *dependencies) close() {
	if d.history != nil {
		if err := d.history.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop history store")
		}
	}

	if err := d.backend.Close(); err != nil {
		log.WithError(err).Warn("Failed to close storage backend")
	}
}
