package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	aggsvc "github.com/aevon-lab/aevon-meter/internal/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/ingestion"
	"github.com/aevon-lab/aevon-meter/internal/projection"
	"github.com/aevon-lab/aevon-meter/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the chain pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			slog.Info("[App] Loaded config",
				"database", cfg.Database.Type,
				"metrics", len(cfg.MetricLoading.Metrics),
				"pipeline_enabled", cfg.Pipeline.Enabled)

			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					slog.Error("[App] Close failed", "error", err)
				}
			}()

			srv := server.New(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), cfg.Server.Mode, a.telemetry)
			for name, check := range a.health {
				srv.AddHealthCheck(name, check)
			}
			ingestion.NewService(a.events, a.telemetry, cfg.Server.MaxBodySizeMB).RegisterRoutes(srv.Engine)
			ingestion.NewSubscriptionService(a.lifecycles).RegisterRoutes(srv.Engine)
			projection.NewService(a.periods(), a.reads.units, a.chains).RegisterRoutes(srv.Engine)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup
			if cfg.Pipeline.Enabled {
				scheduler := aggsvc.NewScheduler(cfg.Pipeline.IntervalDuration(), a.processor())
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := scheduler.Start(ctx); err != nil {
						slog.Error("[App] Scheduler stopped with error", "error", err)
					}
				}()
			} else {
				slog.Info("[App] Chain pipeline disabled by config")
			}

			// HTTP server blocks until ctx is cancelled.
			runErr := srv.Run(ctx)
			stop()
			wg.Wait()

			slog.Info("[App] Shutdown complete")
			return runErr
		},
	}
}
