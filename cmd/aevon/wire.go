package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	aggsvc "github.com/aevon-lab/aevon-meter/internal/aggregation"
	coreagg "github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	corecfg "github.com/aevon-lab/aevon-meter/internal/core/config"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/aevon-lab/aevon-meter/internal/core/storage/breaker"
	"github.com/aevon-lab/aevon-meter/internal/core/storage/memory"
	"github.com/aevon-lab/aevon-meter/internal/core/storage/postgres"
	redisstore "github.com/aevon-lab/aevon-meter/internal/core/storage/redis"
	"github.com/aevon-lab/aevon-meter/internal/ingestion"
	"github.com/aevon-lab/aevon-meter/internal/migrations"
	"github.com/aevon-lab/aevon-meter/internal/server"
	"github.com/aevon-lab/aevon-meter/internal/telemetry"
)

// app holds every wired component for one process.
type app struct {
	cfg         *corecfg.Config
	telemetry   *telemetry.Metrics
	metrics     coreagg.MetricRepository
	events      storage.EventStore
	units       storage.UnitStore
	chains      storage.ChainStore
	checkpoints storage.CheckpointStore
	lifecycles  ingestion.LifecycleStore
	locker      storage.ChainLocker
	health      map[string]server.HealthChecker
	closers     []func() error

	// reads is the breaker-guarded read side used by period aggregation.
	reads struct {
		units      storage.UnitStore
		lifecycles storage.LifecycleSource
		states     aggsvc.StateLoader
	}
}

func wireApp(cfg *corecfg.Config) (*app, error) {
	metrics, err := coreagg.NewStaticMetricRepository(cfg.MetricLoading.Metrics...)
	if err != nil {
		return nil, fmt.Errorf("billable metrics: %w", err)
	}

	a := &app{
		cfg:       cfg,
		telemetry: telemetry.New(),
		metrics:   metrics,
		locker:    storage.NoopLocker{},
		health:    make(map[string]server.HealthChecker),
	}

	switch cfg.Database.Type {
	case "memory":
		slog.Warn("[App] Using in-memory storage; state is lost on exit")
		store := memory.NewStore()
		a.events, a.units, a.chains, a.checkpoints, a.lifecycles = store, store, store, store, store
	case "postgres":
		if err := a.wirePostgres(); err != nil {
			a.close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database.type %q", cfg.Database.Type)
	}

	if cfg.Redis.Enabled {
		client := redisstore.NewClient(redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.locker = redisstore.NewLocker(client)
		a.health["redis"] = server.HealthCheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		a.closers = append(a.closers, client.Close)
		slog.Info("[App] Distributed chain locks enabled", "addr", cfg.Redis.Addr)
	}

	a.reads.units, a.reads.lifecycles, a.reads.states = a.units, a.lifecycles, a.chains
	if cfg.Breaker.Enabled {
		reader := breaker.NewReader(a.units, a.lifecycles, a.chains, breaker.Settings{
			Name:                "period-reads",
			ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
			Timeout:             cfg.Breaker.TimeoutDuration(),
		})
		a.reads.units, a.reads.lifecycles, a.reads.states = reader, reader, reader
		a.health["period-reads"] = reader
	}

	return a, nil
}

func (a *app) wirePostgres() error {
	db, err := postgres.Open(a.cfg.Database.DSN, a.cfg.Database.MaxOpenConns, a.cfg.Database.MaxIdleConns)
	if err != nil {
		return err
	}
	if err := migrations.RunMigrations(db, a.cfg.Database.AutoMigrate); err != nil {
		db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}

	adapter, err := postgres.NewAdapter(db)
	if err != nil {
		db.Close()
		return err
	}
	a.closers = append(a.closers, adapter.Close)

	chains := postgres.NewChainAdapter(db)
	a.events = adapter
	a.units = chains
	a.chains = chains
	a.checkpoints = postgres.NewCheckpointAdapter(db)
	a.lifecycles = postgres.NewLifecycleAdapter(db)
	a.health["database"] = server.HealthCheckFunc(db.PingContext)
	return nil
}

func (a *app) processor() *aggsvc.ChainProcessor {
	return aggsvc.NewChainProcessor(
		aggsvc.ChainStores{
			Events:      a.events,
			Units:       a.units,
			Chains:      a.chains,
			Checkpoints: a.checkpoints,
			Lifecycles:  a.lifecycles,
			Locker:      a.locker,
		},
		a.metrics,
		a.telemetry,
		aggsvc.PipelineParameter{
			BatchSize:         a.cfg.Pipeline.BatchSize,
			WorkerCount:       a.cfg.Pipeline.WorkerCount,
			ChannelBufferSize: a.cfg.Pipeline.ChannelBufferSize,
			MaxRetries:        a.cfg.Pipeline.MaxRetries,
			LockTTL:           a.cfg.Pipeline.LockTTLDuration(),
		},
	)
}

func (a *app) periods() *aggsvc.PeriodService {
	return aggsvc.NewPeriodService(a.metrics, a.reads.units, a.reads.lifecycles, a.reads.states, a.telemetry, a.cfg.Periods.WorkerCount)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
