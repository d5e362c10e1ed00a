// Package main runs the asset orchestrator: HTTP API, scheduler, recovery and cleanup in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"asset-orchestrator/internal/api"
	"asset-orchestrator/internal/breaker"
	"asset-orchestrator/internal/config"
	"asset-orchestrator/internal/notify"
	"asset-orchestrator/internal/ratelimit"
	"asset-orchestrator/internal/recovery"
	"asset-orchestrator/internal/resource"
	"asset-orchestrator/internal/retry"
	"asset-orchestrator/internal/scheduler"
	"asset-orchestrator/internal/store"
	"asset-orchestrator/internal/telemetry"
	"asset-orchestrator/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.Info("config loaded", "env", cfg.Env, "store", cfg.StoreBackend, "max_concurrent_jobs", cfg.MaxConcurrentJobs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	st, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer st.Close()

	var sink notify.Sink = notify.LogSink{}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, progress events go to the log", "error", err)
	} else {
		sink = notify.NewRedisSink(redisClient, cfg.NotifyChannel)
	}
	events := notify.NewBroadcaster(sink, cfg.NotifyBuffer)

	gate := resource.NewGate(resource.HostSampler{}, resource.Thresholds{
		MemoryWarning:  cfg.MemoryWarningPercent,
		MemoryCritical: cfg.MemoryCriticalPercent,
		CPUWarning:     cfg.CPUWarningPercent,
		CPUCritical:    cfg.CPUCriticalPercent,
	}, cfg.ResourcePollInterval)

	br := breaker.New(breaker.Settings{
		Name:             "executor",
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange: func(_, to string) {
			telemetry.SetBreakerState(to)
		},
	})

	publisher, err := worker.NewFramePublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init frame publisher: %w", err)
	}
	exec := worker.NewExecutor(worker.ExecutorConfig{
		Renderer: &worker.ProcessRenderer{
			Bin:       cfg.RendererBin,
			Args:      cfg.RendererArgs,
			Timeout:   cfg.RenderTimeout,
			KillGrace: cfg.RenderKillGrace,
		},
		Assets:    worker.FileAssets{Root: cfg.AssetRoot},
		Publisher: publisher,
		Store:     st,
		Retry: retry.Policy{
			MaxRetries: cfg.SubtaskMaxRetries,
			BaseDelay:  cfg.SubtaskBaseDelay,
			MaxDelay:   cfg.SubtaskMaxDelay,
			OnRetry:    func(int, error) { telemetry.SubtaskRetries.Inc() },
		},
		FramesPerSequence:  cfg.FramesPerSequence,
		CheckpointInterval: cfg.CheckpointInterval,
		OutputRoot:         cfg.OutputRoot,
	})

	sched := scheduler.New(scheduler.Options{
		MaxConcurrent:   cfg.MaxConcurrentJobs,
		MaxQueueSize:    cfg.MaxQueueSize,
		MaxRetries:      cfg.MaxJobRetries,
		DefaultPriority: cfg.DefaultPriority,
		PollInterval:    cfg.WorkerPollInterval,
	}, st, exec, br, gate, events)

	rec := recovery.NewManager(st, sched, cfg.RetentionWindow)
	report, err := rec.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if _, err := rec.Cleanup(ctx); err != nil {
		slog.Warn("initial cleanup failed", "error", err)
	}
	slog.Info("startup recovery finished", "resumed", report.Resumed, "requeued", report.Requeued, "retried", report.Retried)

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { events.Run(ctx) })
	background(func() { gate.Run(ctx) })
	background(func() { rec.RunCleanup(ctx, cfg.CleanupInterval) })
	background(func() { _ = sched.Run(ctx) })

	var limiter *ratelimit.SubmitLimiter
	if cfg.SubmitRateCapacity > 0 {
		limiter = ratelimit.NewSubmitLimiter(redisClient, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, time.Hour)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.New(sched, st, gate, limiter).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		stop()
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping jobs")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Running jobs see the cancelled context and stay recoverable.
	wg.Wait()
	slog.Info("orchestrator stopped")
	return runErr
}

func openStore(ctx context.Context, cfg config.Config, client *redis.Client) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		st, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.CheckpointHistory)
		if err != nil {
			return nil, err
		}
		slog.Info("postgres store ready")
		return st, nil
	default:
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis store ready", "addr", cfg.RedisAddr)
		return store.NewRedisStore(client, cfg.CheckpointHistory), nil
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
