package main

import (
	"fmt"
	"io"
	"log/slog"

	corecfg "github.com/aevon-lab/aevon-meter/internal/core/config"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "aevon",
		Short:         "Aevon meter: prorated unique-count usage aggregation",
		Long:          "aevon ingests usage events, maintains per-chain peak state for pay-in-advance billing and aggregates prorated unique counts over billing periods.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "aevon.yaml", "Path to configuration file")

	load := func(cmd *cobra.Command) (*corecfg.Config, error) {
		cfg, err := corecfg.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))
		return cfg, nil
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(load),
		newMigrateCmd(load),
		newReplayCmd(load),
		newUsageCmd(load),
	)
	return rootCmd
}

// configLoader loads and validates configuration and installs the logger.
type configLoader func(cmd *cobra.Command) (*corecfg.Config, error)

func newLogger(w io.Writer, cfg corecfg.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
