package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/fork-scorer/internal/agent"
	"github.com/ChuLiYu/fork-scorer/internal/agent/strategies"
	"github.com/ChuLiYu/fork-scorer/internal/batch"
	"github.com/ChuLiYu/fork-scorer/internal/config"
	"github.com/ChuLiYu/fork-scorer/internal/coordinator"
	"github.com/ChuLiYu/fork-scorer/internal/fork"
	"github.com/ChuLiYu/fork-scorer/internal/metrics"
	"github.com/ChuLiYu/fork-scorer/internal/snapshot"
	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/internal/store/memory"
	"github.com/ChuLiYu/fork-scorer/internal/store/postgres"
)

// backend is every store capability the app wires together.
type backend interface {
	store.Provisioner
	store.Connector
	store.ForkRecorder
	store.ResultStore
	store.AnalyticsStore
	store.MetadataSource
}

// App holds the wired components of one process.
type App struct {
	Config      *config.Config
	Log         *slog.Logger
	Registry    *prometheus.Registry
	Metrics     *metrics.Collector
	Forks       *fork.Manager
	Coordinator *coordinator.Coordinator
	Batch       *batch.Scheduler
	Analytics   *coordinator.AnalyticsSink
	Snapshot    *snapshot.Manager

	closeStore func()
}

// NewApp opens the store and builds every component from cfg.
func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	forks := fork.NewManager(fork.Config{
		MaxActiveForks: cfg.Forks.MaxActive,
		LogicalOnly:    cfg.Forks.LogicalOnly,
	}, st, st, st,
		fork.WithLogger(log.With("component", "fork")),
		fork.WithMetrics(collector))

	registry := agent.NewRegistry()
	if err := strategies.Register(registry); err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to register strategies: %w", err)
	}

	app := &App{
		Config:     cfg,
		Log:        log,
		Registry:   reg,
		Metrics:    collector,
		Forks:      forks,
		closeStore: closeStore,
	}

	opts := []coordinator.Option{
		coordinator.WithLogger(log.With("component", "coordinator")),
		coordinator.WithMetrics(collector),
		coordinator.WithMetadataSource(st),
	}
	if cfg.Coordinator.PersistWeightAnalytics {
		app.Analytics = coordinator.NewAnalyticsSink(st, cfg.Coordinator.AnalyticsBuffer, log.With("component", "analytics"))
		opts = append(opts, coordinator.WithAnalytics(app.Analytics))
	}
	app.Coordinator = coordinator.New(coordinator.Config{
		AgentTimeout:           cfg.Coordinator.AgentTimeout,
		UseStaticWeights:       cfg.Coordinator.UseStaticWeights,
		PersistWeightAnalytics: cfg.Coordinator.PersistWeightAnalytics,
	}, forks, registry, st, opts...)

	app.Batch = batch.New(batch.Config{
		ChunkSize:   cfg.Batch.ChunkSize,
		ResumeDelay: cfg.Batch.ResumeDelay,
	}, app.Coordinator,
		batch.WithLogger(log.With("component", "batch")),
		batch.WithMetrics(collector))

	if cfg.Batch.ExportPath != "" {
		app.Snapshot = snapshot.NewManager(cfg.Batch.ExportPath)
	}
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (backend, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			DatabaseURL:      cfg.Store.DatabaseURL,
			PrimaryDatabase:  cfg.Store.PrimaryDatabase,
			SourceDatabase:   cfg.Store.SourceDatabase,
			TemplateDatabase: cfg.Store.TemplateDatabase,
			MaxConns:         cfg.Store.MaxConns,
		}, log.With("component", "postgres"))
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		if cfg.Store.Fixtures != "" {
			fx, err := store.ReadFixtures(cfg.Store.Fixtures)
			if err != nil {
				pg.Close()
				return nil, nil, err
			}
			if err := pg.Seed(ctx, fx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		// forks clone the source and template databases, not the primary
		if err := pg.SyncIsolationSources(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil

	default:
		mem := memory.New()
		if cfg.Store.Fixtures != "" {
			if err := mem.LoadFixtures(cfg.Store.Fixtures); err != nil {
				return nil, nil, err
			}
		}
		return mem, func() {}, nil
	}
}

// RestoreBatches loads previously exported finished batches.
func (a *App) RestoreBatches() (int, error) {
	if a.Snapshot == nil {
		return 0, nil
	}
	data, err := a.Snapshot.Load()
	if err != nil {
		return 0, err
	}
	return a.Batch.RestoreFinished(data.Batches), nil
}

// ExportBatches writes every finished batch to the export file.
func (a *App) ExportBatches() error {
	if a.Snapshot == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.Snapshot.GetPath()), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	return a.Snapshot.Write(a.Batch.FinishedJobs())
}

// Close flushes analytics and releases the store.
func (a *App) Close() {
	if a.Analytics != nil {
		a.Analytics.Close()
	}
	a.closeStore()
}
