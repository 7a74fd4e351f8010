package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/marketplace-orders/internal/catalog"
	"github.com/ariefcatur/marketplace-orders/internal/config"
	kafkax "github.com/ariefcatur/marketplace-orders/internal/kafka"
	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/postgres"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
	"github.com/ariefcatur/marketplace-orders/internal/tracing"
	"github.com/ariefcatur/marketplace-orders/internal/warmer"
)

// The warmer shares the catalog with the API through Redis, so it always
// uses the postgres store and the redis cache backend.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	name := cfg.ServiceName + "-warmer"
	log := logging.MustNew(name, cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, name, log); err != nil {
		log.Error("warmer_exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, name string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		ServiceName: name,
		Env:         cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing_shutdown", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()

	svc := &warmer.Service{
		Catalog: &catalog.Catalog{
			Loader:      &orders.Repo{DB: db},
			Backend:     catalog.RedisBackend{Client: rdb},
			AbsoluteTTL: cfg.CacheAbsoluteTTL,
			SlidingTTL:  cfg.CacheSlidingTTL,
			Metrics:     m,
			Log:         log.Named("catalog"),
		},
		Dedup:   redisx.Dedup{Client: rdb, TTL: redisx.TTLDedup},
		Metrics: m,
		Log:     log,
		Name:    name,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WarmerGroup, warmer.Topics, cfg.WarmerWorkers, log.Named("kafka"))

	metricsSrv := &http.Server{
		Addr:              cfg.WarmerMetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("warmer_started",
			zap.String("group", cfg.WarmerGroup),
			zap.Strings("topics", warmer.Topics),
			zap.Int("workers", cfg.WarmerWorkers))
		return cons.Start(gctx, svc.HandleMessage)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
