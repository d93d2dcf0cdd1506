// Command crmrelay runs the relay: the ingestion endpoint, the consumer, or both.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xraph/grove/kv"

	"github.com/xraph/crmrelay"
	"github.com/xraph/crmrelay/api"
	"github.com/xraph/crmrelay/blobstore"
	blobfs "github.com/xraph/crmrelay/blobstore/fs"
	blobredis "github.com/xraph/crmrelay/blobstore/redis"
	"github.com/xraph/crmrelay/internal/kvredis"
	"github.com/xraph/crmrelay/observability"
	"github.com/xraph/crmrelay/store"
	"github.com/xraph/crmrelay/store/memory"
	redisstore "github.com/xraph/crmrelay/store/redis"
)

func main() {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("crmrelay exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	var kvs *kv.Store
	if cfg.RedisURL != "" {
		var err error
		// Closed through the store.
		kvs, err = kvredis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
	}

	st, blobs := openStores(cfg, kvs)
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}

	r, err := crmrelay.New(
		crmrelay.WithStore(st),
		crmrelay.WithBlobStore(blobs),
		crmrelay.WithLogger(logger),
		crmrelay.WithMetrics(observability.NewMetrics(prometheus.DefaultRegisterer)),
		crmrelay.WithTracer(observability.NewTracer()),
		crmrelay.WithMasterPublicKeyName(cfg.Relay.MasterPublicKeyName),
		crmrelay.WithRequireTokenExpiry(cfg.Relay.RequireTokenExpiry),
		crmrelay.WithConcurrency(cfg.Relay.Concurrency),
		crmrelay.WithPollInterval(cfg.Relay.PollInterval),
		crmrelay.WithBatchSize(cfg.Relay.BatchSize),
		crmrelay.WithVisibilityTimeout(cfg.Relay.VisibilityTimeout),
		crmrelay.WithRequestTimeout(cfg.Relay.RequestTimeout),
		crmrelay.WithMaxAttempts(cfg.Relay.MaxAttempts),
		crmrelay.WithRetrySchedule(cfg.Relay.RetrySchedule),
		crmrelay.WithShutdownTimeout(cfg.Relay.ShutdownTimeout),
		crmrelay.WithAssertionTTL(cfg.Relay.AssertionTTL),
		crmrelay.WithTenantRateLimit(cfg.Relay.TenantRateLimit),
	)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	var ingester api.Ingester
	if cfg.Ingests() {
		ingester = r
	}
	h := api.NewHandler(ingester, r.DLQ(), r, logger)
	h.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Consumes() {
		r.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crmrelay listening", "addr", cfg.HTTPAddr, "role", cfg.Role)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			stopRelay(r, cfg, logger)
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopRelay(r, cfg, logger)
	return nil
}

func stopRelay(r *crmrelay.Relay, cfg *Config, logger *slog.Logger) {
	if !cfg.Consumes() {
		return
	}
	if err := r.Stop(context.Background()); err != nil {
		logger.Warn("consumer did not drain before shutdown", "error", err)
	}
}

func openStores(cfg *Config, kvs *kv.Store) (store.Store, blobstore.Store) {
	var st store.Store
	if kvs != nil {
		st = redisstore.New(kvs)
	} else {
		st = memory.New()
	}

	var blobs blobstore.Store
	if cfg.ConfigStore == ConfigStoreRedis {
		blobs = blobredis.New(kvs, cfg.ConfigRedisPrefix)
	} else {
		blobs = blobfs.New(cfg.ConfigDir)
	}
	return st, blobs
}
