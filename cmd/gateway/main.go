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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-metering/config"
	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/api"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/internal/dispatch"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/notify"
	"github.com/vnmchuo/llm-metering/internal/orchestrator"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/provider/claude"
	"github.com/vnmchuo/llm-metering/internal/provider/deepseek"
	"github.com/vnmchuo/llm-metering/internal/provider/echo"
	"github.com/vnmchuo/llm-metering/internal/provider/gemini"
	"github.com/vnmchuo/llm-metering/internal/provider/openai"
	"github.com/vnmchuo/llm-metering/internal/provider/zhipu"
	"github.com/vnmchuo/llm-metering/internal/resolver"
	"github.com/vnmchuo/llm-metering/internal/seeder"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
	"github.com/vnmchuo/llm-metering/internal/worker"
	"github.com/vnmchuo/llm-metering/pkg/logger"
	"github.com/vnmchuo/llm-metering/pkg/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "llm-metering: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config and logging
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Get()

	// 2. Telemetry
	shutdownTracer, err := telemetry.InitTracer(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	log.Infow("postgres connected")

	// 4. Redis, optional
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		log.Infow("redis connected", "addr", cfg.RedisAddr)
	}

	// 5. Providers
	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	log.Infow("providers registered", "providers", registry.List())

	// 6. Notifications
	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}

	// 7. Core services
	accounts := account.NewPostgresStore(pool)
	defaults := account.Defaults{
		Plan:      cfg.DefaultPlan,
		SoftLimit: cfg.DefaultSoftLimit,
		HardLimit: cfg.DefaultHardLimit,
		Status:    account.StatusActive,
	}
	billingSvc := billing.NewService(accounts, ledger.NewPostgresStore(pool), notifier, defaults, log)
	usage := billing.NewPostgresUsageStore(pool)
	prefs := resolver.New(resolver.NewPostgresStore(pool), registry, cfg.DefaultProvider, log)
	dispatcher := dispatch.New(registry, log,
		dispatch.WithTimeout(cfg.DispatchTimeout),
		dispatch.WithTracer(tracer),
	)
	queue := worker.NewPostgresQueue(pool)

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewShared(rdb, cfg.RateLimitCapacity, cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewMemory(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	ctrl := orchestrator.New(limiter, prefs, billingSvc, dispatcher, log,
		orchestrator.WithFailureSink(queue),
		orchestrator.WithUsageStore(usage),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithTracer(tracer),
	)

	// 8. Auth
	authStore := auth.NewPostgresStore(pool)
	if cfg.RunSeed {
		if err := seeder.Seed(ctx, authStore, billingSvc, log); err != nil {
			return err
		}
	}

	// 9. HTTP
	handler := api.NewHandler(ctrl, billingSvc, prefs, usage, registry, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-metering"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/v1", handler.Routes(
		auth.NewMiddleware(authStore, rdb, log),
		auth.AdminMiddleware(cfg.AdminToken),
	))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DispatchTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Run server and reconciler until a signal arrives
	reconciler := worker.NewReconciler(queue, billingSvc, log,
		worker.WithInterval(cfg.ReconcileInterval),
		worker.WithMaxAttempts(cfg.ReconcileMaxAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("llm-metering starting", "port", cfg.Port, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	waitErr := g.Wait()

	// The reconciler may still publish while settling, so the notifier
	// closes only after every goroutine above has returned.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := closeNotifier(closeCtx); err != nil {
		log.Warnw("failed to flush notifications", "error", err)
	}

	if waitErr != nil {
		return waitErr
	}
	log.Infow("server stopped")
	return nil
}

func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	if cfg.ProvidersFile != "" {
		if err := registry.LoadOverrides(cfg.ProvidersFile); err != nil {
			return nil, err
		}
	}

	vendors := []struct {
		key     string
		enabled bool
		build   func() provider.Provider
	}{
		{provider.KeyOpenAI, cfg.OpenAIAPIKey != "", func() provider.Provider { return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL) }},
		{provider.KeyGemini, cfg.GeminiAPIKey != "", func() provider.Provider { return gemini.New(cfg.GeminiAPIKey, "") }},
		{provider.KeyDeepSeek, cfg.DeepSeekAPIKey != "", func() provider.Provider { return deepseek.New(cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL) }},
		{provider.KeyZhipu, cfg.ZhipuAPIKey != "", func() provider.Provider { return zhipu.New(cfg.ZhipuAPIKey, cfg.ZhipuBaseURL) }},
		{provider.KeyClaude, cfg.AnthropicAPIKey != "", func() provider.Provider { return claude.New(cfg.AnthropicAPIKey, "") }},
		{provider.KeyEcho, true, func() provider.Provider { return echo.New() }},
	}
	for _, v := range vendors {
		if !v.enabled {
			continue
		}
		if err := registry.Register(v.key, v.build()); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildNotifier(cfg *config.Config, log *logger.Logger) (notify.Notifier, func(context.Context) error, error) {
	sinks := notify.Multi{notify.NewLogNotifier(log)}
	var closers []func() error

	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.NotifyWebhookURL))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.SentryDSN != "" {
		s, err := notify.NewSentryNotifier(cfg.SentryDSN, cfg.AppEnv)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, func() error {
			s.Flush(2 * time.Second)
			return nil
		})
	}

	async := notify.NewAsync(sinks, 1024, log)
	closeAll := func(ctx context.Context) error {
		err := async.Close(ctx)
		for _, c := range closers {
			err = errors.Join(err, c())
		}
		return err
	}
	return async, closeAll, nil
}
