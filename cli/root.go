//go:build linux

package main

import (
	"github.com/sliverarmory/plthook"
	"github.com/sliverarmory/plthook/config"
	"github.com/sliverarmory/plthook/internal/log"
	"github.com/sliverarmory/plthook/procmaps"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries what the persistent pre-run loads to the subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Default(), logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:          "plthook",
		Short:        "Inspect mappings and PLT/GOT hooks of ELF objects in a running process",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags(), a.configPath)
			if err != nil {
				return err
			}
			logger, err := log.New(cfg.Debug)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			procmaps.ScanRoot = cfg.ProcRoot
			plthook.SetLogger(logger)
			logger.Debug("config loaded", zap.Any("config", cfg))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			// syncing a terminal fails with EINVAL on linux
			_ = a.logger.Sync()
		},
	}

	def := config.Default()
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML config file (default ./plthook.yaml when present)")
	rootCmd.PersistentFlags().Bool("debug", def.Debug, "Log at debug level")
	rootCmd.PersistentFlags().String("procRoot", def.ProcRoot, "Mount point of the proc filesystem")

	rootCmd.AddCommand(newMapsCmd(a), newResolveCmd(a), newDemoCmd(a))
	return rootCmd
}
