package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/moneta/config"
	"github.com/vnmchuo/moneta/internal/gate"
	"github.com/vnmchuo/moneta/internal/hook"
	"github.com/vnmchuo/moneta/internal/lago"
	"github.com/vnmchuo/moneta/internal/logger"
	"github.com/vnmchuo/moneta/internal/metrics"
	"github.com/vnmchuo/moneta/internal/provider"
	"github.com/vnmchuo/moneta/internal/provider/openai"
	"github.com/vnmchuo/moneta/internal/proxy"
	"github.com/vnmchuo/moneta/internal/seeder"
	"github.com/vnmchuo/moneta/internal/subscription"
	"github.com/vnmchuo/moneta/internal/telemetry"
	"github.com/vnmchuo/moneta/internal/usage"
	"github.com/vnmchuo/moneta/internal/worker"
	"github.com/vnmchuo/moneta/pkg/ratelimit"
)

const serviceName = "moneta"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logger
	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	os.Exit(finish(zl, run(cfg, zl)))
}

// finish flushes the logger and maps the result of run to an exit code.
func finish(zl *zap.Logger, err error) int {
	code := 0
	if err != nil {
		zl.Error("gateway stopped with error", zap.Error(err))
		code = 1
	}
	_ = zl.Sync()
	return code
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	zl.Info("redis connected", zap.String("addr", cfg.RedisAddr))

	// 5. Subscription store
	store, closers, err := openStore(ctx, cfg, rdb, zl)
	if err != nil {
		return err
	}
	closers = append(closers, rdb)

	// 6. Metering hooks
	m := metrics.New(prometheus.DefaultRegisterer)

	lagoClient := lago.New(cfg.LagoAPIBase, cfg.LagoAPIKey, cfg.LagoTimeout, lago.WithTracer(tracer))

	var outbox usage.Outbox
	if cfg.OutboxEnabled {
		outbox = usage.NewRedisOutbox(rdb, "usage")
	}
	reporter := usage.NewReporter(lagoClient, store, outbox, cfg.LagoEventCode, zl.Named("usage"), m, tracer)
	balanceGate := gate.New(store, gate.UnknownPolicy(cfg.UnknownSubscriptionPolicy), zl.Named("gate"), m, tracer)
	adapter := hook.New(balanceGate, reporter, cfg.SubscriptionHeader, zl.Named("hook"), closers...)

	// 7. Upstream and handler
	prices := provider.DefaultPrices()
	if cfg.UpstreamPrices != "" {
		if prices, err = provider.ParsePrices(cfg.UpstreamPrices); err != nil {
			return fmt.Errorf("invalid UPSTREAM_PRICES: %w", err)
		}
	}
	upstream := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, prices)
	router := proxy.NewRouter([]provider.Provider{upstream}, zl.Named("router"))
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := proxy.NewHandler(router, store, limiter, adapter, cfg.ReportTimeout, zl.Named("proxy"), tracer)

	// 8. Seed test subscriptions if RUN_SEED=true
	if cfg.RunSeed {
		seeder.SeedTestSubscriptions(ctx, store, zl.Named("seeder"))
	}

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(proxy.RequestLogger(zl.Named("http")))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"moneta"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/balance", handler.HandleBalance)

	r.Group(func(r chi.Router) {
		r.Use(adapter.Middleware(hook.CallCompletion))
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Run server and outbox drainer until a signal arrives
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info("moneta gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if outbox != nil {
		drainer := worker.NewDrainer(outbox, reporter.Deliver, worker.Config{
			Interval:  cfg.OutboxInterval,
			Grace:     cfg.OutboxGrace,
			BatchSize: cfg.OutboxBatch,
		}, zl, m)
		g.Go(func() error {
			return drainer.RunForever(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Reports run after responses are written, so they outlive the server.
	handler.Wait()
	if err := adapter.Close(); err != nil {
		zl.Warn("failed to release connections", zap.Error(err))
	}
	zl.Info("server stopped")
	return runErr
}

// openStore builds the subscription store chain and returns the connections
// that must be closed on shutdown.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, zl *zap.Logger) (subscription.Store, []io.Closer, error) {
	var store subscription.Store
	var closers []io.Closer

	switch cfg.StoreDriver {
	case "memory":
		zl.Warn("using in-memory subscription store, balances are lost on restart")
		store = subscription.NewMemoryStore()
	default:
		lazy := subscription.NewLazyPool(cfg.PostgresDSN, zl.Named("store"))
		closers = append(closers, lazy)

		if cfg.RunMigrations {
			pool, err := lazy.Pool(ctx)
			if err != nil {
				return nil, closers, fmt.Errorf("failed to connect postgres for migrations: %w", err)
			}
			if err := subscription.Migrate(pool); err != nil {
				return nil, closers, err
			}
			zl.Info("subscription migrations applied")
		}
		store = subscription.NewPostgresStore(lazy)
	}

	if cfg.SubscriptionCacheTTL > 0 {
		store = subscription.NewCachedStore(store, rdb, cfg.SubscriptionCacheTTL, zl.Named("store.cache"))
	}
	return store, closers, nil
}
