package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/store"
	"github.com/devrev/pairdb/docstore/internal/subscription"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	name       string
	strategy   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "subscribe",
		Short:         "Consume a document store subscription",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./config.yaml"
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultPath, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.name, "name", "", "subscription name, overrides subscription.name")
	cmd.PersistentFlags().StringVar(&opts.strategy, "strategy", "", "opening strategy: OpenIfFree, TakeOver or WaitForFree")

	cmd.AddCommand(newRunCommand(opts), newCreateCommand(opts))
	return cmd
}

// load reads the configuration file and applies flag overrides
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.name != "" {
		cfg.Subscription.Name = o.name
	}
	if o.strategy != "" {
		cfg.Subscription.Strategy = o.strategy
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subscription and print its name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			docStore, err := store.FromConfig(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer docStore.Close()

			ctx := cmd.Context()
			if err := docStore.Initialize(ctx); err != nil {
				return err
			}
			name, err := docStore.Subscriptions().Create(ctx, &model.SubscriptionCreationOptions{
				Name:  cfg.Subscription.Name,
				Query: query,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "subscription query, e.g. \"from Orders\"")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a subscription worker and log received documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, logger)
		},
	}
}

func run(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Subscription.Name == "" {
		return errors.New("subscription.name is required")
	}

	logger.Info("Starting subscription consumer",
		zap.Strings("urls", cfg.Store.URLs),
		zap.String("database", cfg.Store.Database),
		zap.String("subscription", cfg.Subscription.Name),
		zap.String("cache_backend", cfg.Cache.Backend))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	docStore, err := store.FromConfig(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := docStore.Close(); err != nil {
			logger.Error("Failed to close document store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := docStore.Initialize(ctx); err != nil {
		return err
	}

	worker, err := docStore.SubscriptionWorker(subscription.WorkerOptions{
		Name:               cfg.Subscription.Name,
		Strategy:           model.SubscriptionOpeningStrategy(cfg.Subscription.Strategy),
		MaxDocsPerBatch:    cfg.Subscription.MaxDocsPerBatch,
		RetryInterval:      cfg.Subscription.RetryInterval,
		MaxErroneousPeriod: cfg.Subscription.MaxErroneousPeriod,
	})
	if err != nil {
		return err
	}
	worker.Events().ConnectionRetry.Add(func(ev subscription.ConnectionRetryEvent) {
		logger.Warn("Reconnecting subscription",
			zap.String("subscription", ev.Subscription),
			zap.Int("attempt", ev.Attempt),
			zap.Error(ev.Err))
	})

	var servers []*http.Server

	// Start metrics server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		servers = append(servers, serve(&http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}, "metrics", logger))
	}

	// Start health check server
	if cfg.Health.Enabled {
		healthChecker := health.NewHealthChecker(docStore, logger)
		healthChecker.AddWorker(worker)
		servers = append(servers, serve(health.NewServer(healthChecker, cfg.Health.Port), "health check", logger))
	}

	workerErr := worker.Run(ctx, logBatch(logger))
	if workerErr != nil && !errors.Is(workerErr, context.Canceled) {
		logger.Error("Subscription worker failed", zap.Error(workerErr))
	} else {
		workerErr = nil
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
		}
	}

	logger.Info("Subscription consumer stopped")
	return workerErr
}

func logBatch(logger *zap.Logger) subscription.BatchHandler {
	return func(ctx context.Context, batch *subscription.Batch) error {
		for _, item := range batch.Items {
			logger.Info("Received document",
				zap.String("id", item.ID),
				zap.String("change_vector", item.ChangeVector),
				zap.String("collection", item.Metadata.GetString(model.MetadataCollection)))
		}
		return nil
	}
}

func serve(srv *http.Server, name string, logger *zap.Logger) *http.Server {
	go func() {
		logger.Info("Starting "+name+" server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
