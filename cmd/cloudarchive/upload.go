package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/archiver"
	"github.com/ethpandaops/cloudarchive/pkg/output"
	"github.com/spf13/cobra"
)

var uploadTimeout time.Duration

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Upload files once and exit",
	Long: `Upload the given files through the same key template and conflict handling
as watched files, then print the resulting status. Files under the configured
output directory keep their relative path. Other files use their base name.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().DurationVar(&uploadTimeout, "timeout", 30*time.Minute,
		"Maximum time to wait for all uploads to finish")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cfg.Archive.AutoStart = false

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := openDependencies(ctx, cfg, true)
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

	ui := output.New()
	rejected := 0

	for _, path := range args {
		res, err := svc.Upload(path)
		if err != nil {
			ui.Error("%s", res.Message)

			rejected++

			continue
		}

		log.WithField("file", path).Debug(res.Message)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, uploadTimeout)
	defer drainCancel()

	if err := svc.Drain(drainCtx); err != nil {
		return fmt.Errorf("waiting for uploads: %w", err)
	}

	snap := svc.GetStatus()

	if err := ui.Status(snap); err != nil {
		fmt.Fprintf(os.Stderr, "rendering status: %v\n", err)
	}

	if failed := snap.FailedFiles + rejected; failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}

	return nil
}
