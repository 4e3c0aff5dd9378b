package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"installcore/internal/adapters/collections"
	"installcore/internal/adapters/exports"
	"installcore/internal/adapters/httpapi"
	"installcore/internal/blob"
	"installcore/internal/bulk"
	"installcore/internal/composer"
	"installcore/internal/config"
	"installcore/internal/core"
	"installcore/internal/infra/feed/redisstream"
	"installcore/internal/reconcile"
	"installcore/internal/telemetry"
	"installcore/pkg/domain"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServe(cmd.Context(), cfg, logger)
		},
		SilenceUsage: true,
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := core.OpenPersistentStore(ctx, cfg.Storage.Core(), core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()
	logger.Info("store opened", zap.String("driver", string(cfg.Storage.Driver)))

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := core.NewService(store,
		core.WithLogger(logger),
		core.WithMetricsRecorder(core.NewPrometheusRecorder(registry)),
		core.WithAuditRecorder(core.NewLogAuditRecorder(logger)),
		core.WithImportErrorCap(cfg.Bulk.ErrorCap),
	)
	bulkMetrics := bulk.NewMetrics(registry)

	comp := composer.New(composer.StoreSources(store), composer.Options{Logger: logger, Registerer: registry})
	worker := exports.NewWorker(store, blobs, exports.Options{
		Logger:   logger,
		ErrorCap: cfg.Bulk.ErrorCap,
		Metrics:  bulkMetrics,
	})
	server := httpapi.New(httpapi.Options{
		Service:        svc,
		Views:          comp,
		Exports:        worker,
		Blobs:          blobs,
		Gatherer:       registry,
		BulkMetrics:    bulkMetrics,
		ErrorCap:       cfg.Bulk.ErrorCap,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		Logger:         logger,
	})

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var checker *telemetry.Checker
	var cached *telemetry.CachedSource
	if cfg.Telemetry.Enabled {
		source, err := telemetrySource(cfg, store, rdb, logger)
		if err != nil {
			return err
		}
		cached = telemetry.NewCachedSource(source, cfg.Telemetry.CacheTTL)
		checker = telemetry.NewChecker(collections.Installations(store), cached, svc, telemetry.CheckerOptions{
			ThresholdPercent: cfg.Telemetry.ThresholdPercent,
			Readings:         collections.ServerData(store),
			Logger:           logger,
			Registerer:       registry,
		})
	}
	var reconciler *reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		if reconciler, err = reconcile.New(store, reconcile.Options{Schedule: cfg.Reconcile.Schedule, Logger: logger}); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return comp.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error {
		err := server.Serve(ctx, cfg.HTTP.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if checker != nil {
		g.Go(func() error {
			cached.Start(ctx)
			return nil
		})
		g.Go(func() error { return checker.Run(ctx) })
	}
	if rdb != nil {
		relay := redisstream.New(store, rdb, redisstream.Options{Stream: cfg.Redis.ChangeStream, Logger: logger})
		g.Go(func() error { return relay.Run(ctx) })
	}
	if reconciler != nil {
		g.Go(func() error { return reconciler.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete", zap.Error(err))
	return err
}

func telemetrySource(cfg config.Config, store domain.PersistentStore, rdb *redis.Client, logger *zap.Logger) (telemetry.Source, error) {
	switch cfg.Telemetry.Source {
	case config.TelemetryRedis:
		if rdb == nil {
			return nil, errors.New("redis telemetry source requires redis.addr")
		}
		return telemetry.NewRedisSource(rdb, cfg.Redis.TelemetryPrefix), nil
	case config.TelemetryHTTP:
		return telemetry.NewHTTPSource(cfg.Telemetry.BaseURL, logger), nil
	default:
		return telemetry.NewStoreSource(store), nil
	}
}
