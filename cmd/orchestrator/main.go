// Command orchestrator is the LabelSquor durable workflow orchestrator's
// single deployable binary: it wires the store, lock manager, quota
// manager, retry policy, event bus, stage executor, worker pool, and resume
// sweeper into one process and serves /healthz, /readyz, and /metrics over
// HTTP, mirroring the teacher's cmd/server bootstrap shape.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/labelsquor/orchestrator/internal/adapter/httpapi"
	"github.com/labelsquor/orchestrator/internal/adapter/repo/postgres"
	"github.com/labelsquor/orchestrator/internal/app"
	"github.com/labelsquor/orchestrator/internal/config"
	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/eventbus"
	"github.com/labelsquor/orchestrator/internal/executor"
	"github.com/labelsquor/orchestrator/internal/ingress"
	"github.com/labelsquor/orchestrator/internal/lock"
	"github.com/labelsquor/orchestrator/internal/observability"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/retry"
	"github.com/labelsquor/orchestrator/internal/scheduler"
	"github.com/labelsquor/orchestrator/internal/sweeper"
	"github.com/labelsquor/orchestrator/internal/views"
	"github.com/labelsquor/orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to set up tracing", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.PoolMaxConns())
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to migrate schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	store := postgres.NewStore(pool)

	quotaLimits, err := cfg.LoadQuotaLimits()
	if err != nil {
		slog.Error("failed to load quota limits", slog.Any("error", err))
		os.Exit(1)
	}
	quotaManager := quota.NewManager(rdb, pool, buildServiceLimits(quotaLimits))

	lockManager := lock.New(store, cfg.LockLease())
	retryPolicy := retry.New(retry.Config{
		Base:       time.Duration(cfg.RetryBaseSeconds) * time.Second,
		Multiplier: cfg.RetryMultiplier,
		Jitter:     cfg.RetryJitter,
		Cap:        cfg.RetryCap(),
		MaxAttempts: map[domain.FailureClass]int{
			domain.ClassTransient: cfg.MaxRetriesTransient,
		},
	})

	handlers := defaultStageHandlers()
	exec := executor.New(handlers, cfg.StageTimeout())

	dispatcher := scheduler.New(store)
	pool2 := worker.New(store, dispatcher, lockManager, exec, retryPolicy, worker.Config{
		NumWorkers:    cfg.NumWorkers,
		IdleBackoff:   time.Duration(cfg.DispatchIdleBackoffMs) * time.Millisecond,
		MaxBackoff:    time.Duration(cfg.DispatchMaxBackoffMs) * time.Millisecond,
		ShutdownGrace: cfg.ShutdownGrace(),
	})

	sweep := sweeper.New(store, quotaManager, cfg.SweeperInterval(), cfg.SweeperBatchSize)

	bus := eventbus.New(store, time.Second, 100)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSub, err := eventbus.NewKafkaSubscriber(ctx, cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			slog.Error("failed to set up kafka event subscriber", slog.Any("error", err))
			os.Exit(1)
		}
		defer kafkaSub.Close()
		bus.Subscribe(kafkaSub)
	}

	ing := ingress.New(store)
	view := views.New(store)
	api := httpapi.NewServer(ing, view)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbCheck(r.Context()); err != nil {
			http.Error(w, "db not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := redisCheck(r.Context()); err != nil {
			http.Error(w, "redis not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}
	go func() {
		slog.Info("metrics/health server listening", slog.String("addr", cfg.MetricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	go bus.Run(ctx)
	go sweep.Run(ctx)

	slog.Info("orchestrator starting", slog.Int("num_workers", cfg.NumWorkers))
	pool2.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown error", slog.Any("error", err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown error", slog.Any("error", err))
		}
	}
	slog.Info("orchestrator stopped")
}

// buildServiceLimits folds config.QuotaLimit's flat (service, window, limit)
// rows into quota.ServiceLimits keyed by base service name. A
// "<service>.requests" row contributes to the same entry's request-count
// fields, matching how config.defaultRequestLimits names its rows.
func buildServiceLimits(rows []config.QuotaLimit) map[string]quota.ServiceLimits {
	limits := map[string]quota.ServiceLimits{}
	for _, row := range rows {
		service := row.Service
		isRequests := strings.HasSuffix(service, ".requests")
		if isRequests {
			service = strings.TrimSuffix(service, ".requests")
		}
		sl := limits[service]
		switch {
		case isRequests && row.Window == string(domain.WindowPerMinute):
			sl.PerMinuteRequests = row.Limit
		case isRequests && row.Window == string(domain.WindowPerDay):
			sl.PerDayRequests = row.Limit
		case !isRequests && row.Window == string(domain.WindowPerMinute):
			sl.PerMinuteTokens = row.Limit
		case !isRequests && row.Window == string(domain.WindowPerDay):
			sl.PerDayTokens = row.Limit
		}
		limits[service] = sl
	}
	return limits
}

// defaultStageHandlers wires a StageHandler for each pipeline stage. The
// orchestrator core only dispatches to these (§6.2); the handler bodies
// belong to external collaborators (the crawler's discovery/fetch logic,
// the AI enrichment/scoring backends, the search index writer, the
// notification sink) and are expected to replace these placeholders in a
// deployment-specific build.
func defaultStageHandlers() map[domain.Stage]domain.StageHandler {
	handlers := map[domain.Stage]domain.StageHandler{}
	for _, stage := range domain.Stages {
		handlers[stage] = domain.StageHandlerFunc(func(ctx domain.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Done(map[string]any{"stage": string(stage)}), nil
		})
	}
	return handlers
}
