package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/llmux/internal/auth"
	"github.com/eugener/llmux/internal/circuitbreaker"
	"github.com/eugener/llmux/internal/config"
	"github.com/eugener/llmux/internal/keypool"
	"github.com/eugener/llmux/internal/queue"
	"github.com/eugener/llmux/internal/quota"
	"github.com/eugener/llmux/internal/server"
	"github.com/eugener/llmux/internal/storage"
	"github.com/eugener/llmux/internal/storage/sqlite"
	"github.com/eugener/llmux/internal/telemetry"
	"github.com/eugener/llmux/internal/tokenizer"
	"github.com/eugener/llmux/internal/upstream"
	"github.com/eugener/llmux/internal/userstore"
	"github.com/eugener/llmux/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting llmux", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Storage backend
	var backend storage.Store = storage.Memory{}
	var readyCheck server.ReadyChecker
	if cfg.GatekeeperStore == "sqlite" {
		db, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		backend = db
		readyCheck = db.Ping
	}

	// User table
	users := userstore.New(cfg.MaxIPsPerUser)
	if err := users.Load(ctx, backend); err != nil {
		return err
	}

	// Key pool and queue
	pool := keypool.New()
	seeded := config.SeedKeys(cfg, pool)
	slog.Info("key pool seeded", "keys", seeded)
	q := queue.New(pool)

	// Token counting and quota
	tokens, err := tokenizer.New()
	if err != nil {
		return err
	}
	quotas := quota.NewTracker(users, cfg.TokenQuota)

	authn := auth.NewTokenAuth(users)
	clients := upstream.NewClients()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	// Background workers
	workers := []worker.Worker{
		clients,
		worker.NewUserFlushWorker(users, backend),
	}

	var prompts *worker.PromptRecorder
	if cfg.PromptLogging {
		prompts = worker.NewPromptRecorder(backend)
		workers = append(workers, prompts)
	}

	cron := worker.NewCronWorker()
	if spec := cfg.QuotaRefreshPeriod; spec != "" {
		if err := cron.Add(spec, "quota_refresh", func() { quotas.RefreshAll() }); err != nil {
			return err
		}
	}
	if err := cron.Add("* * * * *", "expire_temporary", func() {
		if disabled, purged := users.DisableExpired(); disabled > 0 || purged > 0 {
			slog.Info("temporary users expired", "disabled", disabled, "purged", purged)
		}
	}); err != nil {
		return err
	}
	workers = append(workers, cron)

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		workers = append(workers, worker.NewGaugeSampler(q, pool, metrics, prompts))
	}
	if cfg.Telemetry.Tracing.Enabled {
		stopTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer stopTracing(context.Background())
	}

	blockedOrigins, err := compileOrigins(cfg.BlockedOrigins)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Auth:       authn,
		Users:      users,
		Quota:      quotas,
		Pool:       pool,
		Queue:      q,
		Clients:    clients,
		Tokens:     tokens,
		Breakers:   breakers,
		Metrics:    metrics,
		ReadyCheck: readyCheck,
		Flush: func(ctx context.Context) error {
			return users.Flush(ctx, backend)
		},
		Options: server.Options{
			AllowedFamilies: cfg.AllowedModelFamilies,
			RejectedPhrases: cfg.RejectedPhrases,
			BlockedOrigins:  blockedOrigins,
			PromptLogging:   cfg.PromptLogging,
			AdminKey:        config.ResolveAdminKey(cfg),
		},
	}
	if prompts != nil {
		deps.Prompts = prompts
	}
	handler := server.New(deps)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(workers...)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("llmux ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		return err
	case err := <-workerErr:
		return err
	}

	// New enqueues fail fast while in-flight requests finish.
	q.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	<-workerErr

	if err := users.Flush(shutdownCtx, backend); err != nil {
		slog.Error("final user flush failed", "error", err)
	}

	slog.Info("llmux stopped")
	return nil
}

// compileOrigins compiles the blocked-origin patterns.
func compileOrigins(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}
