package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/application"
	"github.com/sawpanic/marginwatch/internal/broadcast"
	"github.com/sawpanic/marginwatch/internal/config"
	"github.com/sawpanic/marginwatch/internal/data/cache"
	"github.com/sawpanic/marginwatch/internal/infrastructure/db"
	"github.com/sawpanic/marginwatch/internal/margin"
	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/persistence"
	"github.com/sawpanic/marginwatch/internal/providers/marketdata"
	"github.com/sawpanic/marginwatch/internal/scheduler"
)

// app is the component graph shared by serve and the one-shot commands
type app struct {
	cfg      *config.Config
	metrics  *metrics.Collector
	database *db.Manager
	storage  persistence.Storage
	margin   *margin.Service
	provider *marketdata.Fallback
	registry *broadcast.Registry
	monitor  *application.Monitor

	closers []func() error
}

// newApp opens the database, runs migrations and wires the services. Without a
// registry the monitor publishes nowhere, which suits one-shot commands.
func newApp(ctx context.Context, cfg *config.Config, withRegistry bool) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewCollector()}

	database, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.database = database
	a.closers = append(a.closers, database.Close)

	if err := database.Store().Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.storage = database.Store()
	if cfg.Cache.Redis.Enabled() {
		rdb := cache.NewClient(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
		a.closers = append(a.closers, rdb.Close)
		a.storage = cache.NewQuoteCache(a.storage, rdb, cfg.Cache.Redis.TTL, a.metrics)
		log.Info().Str("addr", cfg.Cache.Redis.Addr).Msg("Quote cache enabled")
	}

	a.margin = margin.NewService(a.storage, a.metrics, margin.WithConcurrency(cfg.Margin.Concurrency))
	a.provider = marketdata.New(cfg.MarketData, a.metrics)

	var publisher application.Publisher
	if withRegistry {
		a.registry = broadcast.NewRegistry(cfg.Broadcast.BufferSize, a.metrics)
		publisher = a.registry
	}
	a.monitor = application.NewMonitor(a.margin, a.storage, a.provider, publisher, a.metrics,
		application.WithRetention(cfg.Margin.Retention))
	return a, nil
}

// newScheduler registers the default jobs. With start false nothing is armed,
// which suits one-shot triggers.
func (a *app) newScheduler(start bool) (*scheduler.Scheduler, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	flags := scheduler.Flags{}
	if start {
		flags = scheduler.Flags{
			MarketUpdates:   a.cfg.Scheduler.EnableMarketUpdates,
			MarginChecks:    a.cfg.Scheduler.EnableMarginChecks,
			DatabaseCleanup: a.cfg.Scheduler.EnableDatabaseCleanup,
		}
	}
	s := scheduler.New(a.metrics, scheduler.WithShutdownGrace(a.cfg.Scheduler.ShutdownGrace))
	if err := s.Initialize(scheduler.DefaultJobs(a.monitor, flags, loc), scheduler.DefaultAliases(a.monitor)); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}
