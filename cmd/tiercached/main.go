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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/tiercache"
	"goflare.io/tiercache/internal/config"
	"goflare.io/tiercache/internal/fetch"
	"goflare.io/tiercache/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tiercached: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 讀取環境變數
	env, err := config.FromEnv()
	if err != nil {
		return err
	}
	if env.Origin == "" {
		return errors.New("TIERCACHE_ORIGIN is required")
	}

	// 初始化 Logger
	logCfg := zap.NewProductionConfig()
	if err := logCfg.Level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", env.LogLevel, err)
	}
	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfgOpts, err := env.Options()
	if err != nil {
		return err
	}
	cfgOpts = append(cfgOpts, config.WithLogger(logger))
	cfg, err := config.NewConfig(cfgOpts...)
	if err != nil {
		return err
	}

	// 網路來源加上重試與熔斷
	retr, err := cfg.Resilience.Retry.Retrier()
	if err != nil {
		return err
	}
	origin := fetch.NewResilient(
		fetch.NewHTTPFetcher(env.Origin, cfg.Strategy.FetchTimeout),
		cfg.Resilience.OriginCircuitBreaker,
		retr,
		logger,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []tiercache.Option{
		tiercache.WithConfig(cfgOpts...),
		tiercache.WithPrometheus(registry),
	}
	if env.RedisAddr != "" {
		opts = append(opts, tiercache.WithRedis(&redis.Options{
			Addr:     env.RedisAddr,
			Password: env.RedisPassword,
			DB:       env.RedisDB,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := tiercache.New(ctx, origin, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("Failed to close cache", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", server.New(cache, logger))
	srv := &http.Server{
		Addr:              env.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting tiercache server",
			zap.String("addr", env.Addr),
			zap.String("origin", env.Origin))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
			return err
		}
	}

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down server", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}
