package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-events/internal/api"
	"github.com/miradorstack/mirador-events/internal/config"
	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/httpserver"
	"github.com/miradorstack/mirador-events/internal/metrics"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/retention"
	"github.com/miradorstack/mirador-events/internal/search"
	"github.com/miradorstack/mirador-events/internal/services"
	"github.com/miradorstack/mirador-events/internal/store"
	"github.com/miradorstack/mirador-events/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting mirador-events",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("store", cfg.Store.Backend),
		slog.String("mode", cfg.Aggregation.Mode),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	backend, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open store", slog.String("backend", cfg.Store.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	registry, err := models.NewRegistry(backend)
	if err != nil {
		logger.Error("failed to build record models", slog.Any("error", err))
		os.Exit(1)
	}

	eng, err := engine.New(registry, events.NewRegistry(), engine.Options{
		Mode:   engine.Mode(cfg.Aggregation.Mode),
		Slices: slicesFrom(cfg.Aggregation.Slices),
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build aggregation engine", slog.Any("error", err))
		os.Exit(1)
	}

	var indexer search.Indexer
	if cfg.Search.Endpoint != "" {
		indexer = search.NewWeaviateIndexer(cfg.Search.Endpoint, cfg.Search.APIKey, cfg.Search.Class, cfg.Search.Timeout)
		logger.Info("search indexing enabled", slog.String("endpoint", cfg.Search.Endpoint))
	}
	collector := services.NewCollectorService(logger, eng, indexer)

	grpcServer, err := api.NewServer(cfg.Server, api.NewHandlers(logger, collector))
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := httpserver.NewServer(collector, httpserver.Options{
		Addr:         cfg.Server.HTTPAddress,
		Key:          cfg.Collector.Key,
		PublicWrites: cfg.Collector.PublicWrites,
		Logger:       logger,
	})
	if err := httpServer.Start(); err != nil {
		logger.Error("failed to start http collector", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("http collector listening", slog.String("address", httpServer.Address()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := retention.New(retention.Config{
		TruncateAfter: cfg.Retention.TruncateAfter,
		Interval:      cfg.Retention.Interval,
		BatchSize:     cfg.Retention.BatchSize,
	}, logger,
		retention.Target{Model: registry.Events, Field: "date", Delete: eng.DeleteEvent},
		retention.Target{Model: registry.Groups, Field: "last_seen", Delete: collector.DeleteGroup},
	)
	if sweeper != nil {
		logger.Info("retention enabled", slog.Duration("truncate_after", cfg.Retention.TruncateAfter))
		sweeper.Start(ctx)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		return grpcServer.Start()
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		if sweeper != nil {
			sweeper.Stop()
		}
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn("http collector shutdown", slog.Any("error", err))
		}
		grpcServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", slog.Any("error", err))
	}
	logger.Info("mirador-events stopped")
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Backend != "valkey" {
		return store.NewMemoryStore(), nil
	}
	return store.NewValkeyStore(store.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		KeyPrefix:    cfg.KeyPrefix,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		TLS:          cfg.TLS,
	})
}

func slicesFrom(cfgs []config.SliceConfig) []engine.Slice {
	out := make([]engine.Slice, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, engine.Slice{Slug: c.Slug, Name: c.Name, Events: c.Events, Tags: c.Tags})
	}
	return out
}
