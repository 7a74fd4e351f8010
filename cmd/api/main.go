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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/marketplace-orders/internal/catalog"
	"github.com/ariefcatur/marketplace-orders/internal/config"
	"github.com/ariefcatur/marketplace-orders/internal/httpx"
	kafkax "github.com/ariefcatur/marketplace-orders/internal/kafka"
	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/memory"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/postgres"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
	"github.com/ariefcatur/marketplace-orders/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.MustNew(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Error("api_exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		ServiceName: cfg.ServiceName,
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
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Source of truth
	var store orders.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn("store_in_memory", zap.String("hint", "data is lost on restart"))
		store = memory.NewStore()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, 16)
		if err != nil {
			return err
		}
		defer db.Close()
		store = &orders.Repo{DB: db}
	}

	// Catalog cache
	var backend catalog.Backend
	switch cfg.CacheBackend {
	case config.BackendMemory:
		backend = catalog.NewMemoryBackend(nil)
	default:
		rdb := redisx.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb, 2*time.Second); err != nil {
			log.Warn("catalog_cache_unavailable", zap.String("op", "ping"), zap.Error(err))
		}
		backend = catalog.RedisBackend{Client: rdb}
	}
	cat := &catalog.Catalog{
		Loader:      store,
		Backend:     backend,
		AbsoluteTTL: cfg.CacheAbsoluteTTL,
		SlidingTTL:  cfg.CacheSlidingTTL,
		Metrics:     m,
		Log:         log.Named("catalog"),
	}

	// Events
	var events orders.Publisher = kafkax.NopPublisher{}
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log.Named("kafka"))
		prod.Start()
		events = prod
	} else {
		log.Warn("events_disabled", zap.String("reason", "no KAFKA_BROKERS"))
	}

	role, err := orders.ParseRole(cfg.DefaultRole)
	if err != nil {
		return err
	}
	svc := &orders.Service{
		Store:     store,
		Cache:     cat,
		Events:    events,
		Metrics:   m,
		Log:       log.Named("orders"),
		Producer:  cfg.ServiceName,
		TxTimeout: cfg.TxTimeout,
	}

	router := httpx.NewRouter(log.Named("http"), cfg.RequestTimeout)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	(&httpx.Handler{Orders: svc, Catalog: cat, DefaultRole: role}).Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if prod != nil {
			prod.Close()
			if werr := prod.WaitClosed(shutdownCtx); werr != nil {
				log.Warn("kafka_flush_incomplete", zap.Error(werr))
			}
		}
		return err
	})
	return g.Wait()
}
