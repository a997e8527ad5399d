// Command clara-dicom-adapter runs the gateway's workers and REST surface:
// env-driven configuration, slog setup, and a single runGateway entrypoint
// wired through a cobra command tree.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/config"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "clara-dicom-adapter",
		Short: "DICOM gateway bridging hospital modalities/PACS and the inference platform",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the gateway's YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newReclaimOnceCmd(&configPath))
	root.AddCommand(newConfigValidateCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway's SCP, job pipeline, export, and REST workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := telemetry.NewLogger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg, logger)
		},
	}
}

func newReclaimOnceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim-once",
		Short: "run the disk reclaimer for up to 30s over a new, empty cleanup queue; no staged files are enqueued, so none are deleted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := telemetry.NewLogger()
			return runReclaimOnce(cmd.Context(), cfg, logger)
		},
	}
}

func newConfigValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config validate",
		Short: "load and validate the gateway's config file without starting any worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			slog.Default().Info("config is valid", "restAddr", cfg.RestAddr, "storageTemporary", cfg.StorageTemporary)
			return nil
		},
	}
}

