// Package main wires together the crawlcache service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcache/internal/api"
	"github.com/JakeFAU/crawlcache/internal/config"
	"github.com/JakeFAU/crawlcache/internal/logging"
	"github.com/JakeFAU/crawlcache/internal/metrics"
	"github.com/JakeFAU/crawlcache/internal/progress"
	"github.com/JakeFAU/crawlcache/internal/progress/sinks"
	"github.com/JakeFAU/crawlcache/internal/store"
	memorystore "github.com/JakeFAU/crawlcache/internal/store/memory"
	postgresstore "github.com/JakeFAU/crawlcache/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	notifier := progress.NewBroadcaster(logger.Named("progress"))
	notifier.Subscribe(sinks.NewLogSink(logger.Named("store")).Notify)
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("progress metrics init failed", zap.Error(err))
	}
	notifier.Subscribe(promSink.Notify)

	records, err := buildStore(ctx, cfg, notifier, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	if err := initStore(ctx, records); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}
	defer records.Close()

	apiServer := api.NewServer(records, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// initStore runs schema initialization and releases the store's resources if
// it fails; logger.Fatal exits without running deferred closes.
func initStore(ctx context.Context, records store.Store) error {
	if err := records.Init(ctx); err != nil {
		records.Close()
		return err
	}
	return nil
}

func buildStore(
	ctx context.Context,
	cfg config.Config,
	notifier progress.Notifier,
	logger *zap.Logger,
) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memorystore.New(notifier, nil), nil
	case config.BackendPostgres:
		return postgresstore.New(ctx, postgresstore.Config{
			DSN:             cfg.Store.DSN,
			Table:           cfg.Store.Table,
			MaxConnAttempts: cfg.Store.MaxConnAttempts,
			RetryDelay:      cfg.Store.RetryDelay(),
			ConnectTimeout:  cfg.Store.ConnectTimeout(),
			MaxConns:        cfg.Store.MaxConns,
			MinConns:        cfg.Store.MinConns,
		}, notifier, logger.Named("store"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
