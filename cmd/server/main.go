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

	"billsync/backend/internal/analytics"
	"billsync/backend/internal/cache"
	"billsync/backend/internal/config"
	"billsync/backend/internal/httpapi"
	"billsync/backend/internal/orchestrator"
	"billsync/backend/internal/realtime"
	"billsync/backend/internal/service"
	"billsync/backend/internal/store"
	"billsync/backend/internal/store/memory"
	pgstore "billsync/backend/internal/store/postgres"
)

const cacheCleanupInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg, nil)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billsync backend listening", "addr", cfg.Address(), "instance", cfg.InstanceID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

type app struct {
	handler http.Handler
	sync    *realtime.Manager
	svc     *service.Service
	cancel  context.CancelFunc
	closers []func() error
	logger  *slog.Logger
}

func (a *app) close() {
	a.cancel()
	a.sync.UnsubscribeAll()
	a.svc.Close()
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close error", "error", err)
		}
	}
}

// build wires the repository, caches, services and HTTP API described by
// cfg. Background work stops when the returned app is closed.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	closers := make([]func() error, 0, 2)
	fail := func(err error) (*app, error) {
		cancel()
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, err
	}

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeRepo)

	cacheOpts := cache.Options{
		EntitySize:       cfg.EntityCacheSize,
		RelationshipSize: cfg.RelationshipCacheSize,
		QueryTTL:         cfg.QueryCacheTTL,
		AnalyticsTTL:     cfg.AnalyticsCacheTTL,
		InstanceID:       cfg.InstanceID,
		Logger:           logger,
	}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		l2 := cache.NewRedisAnalyticsStore(client)
		if err := l2.Ping(ctx); err != nil {
			_ = client.Close()
			logger.Warn("redis unavailable, caches stay process-local", "error", err)
		} else {
			cacheOpts.Bus = cache.NewRedisBus(client, "")
			cacheOpts.AnalyticsStore = l2
			closers = append(closers, client.Close)
			logger.Info("cache: redis", "addr", cfg.RedisAddr)
		}
	}
	caches := cache.NewRegistry(cacheOpts)
	if err := caches.Listen(bg); err != nil {
		return fail(fmt.Errorf("listen for invalidations: %w", err))
	}
	caches.StartCleanup(bg, cacheCleanupInterval)

	svc := service.New(repo, caches, service.Options{RecalcDelay: cfg.RecalcDebounce, Logger: logger})
	manager := realtime.NewManager(repo, realtime.Options{Caches: caches, Logger: logger})
	hub := httpapi.NewHub(logger)
	coordinator := orchestrator.NewCoordinator(svc, manager.Engine(), orchestrator.Options{
		Policy: orchestrator.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    5 * time.Second,
		},
		Notifier: orchestrator.Notifiers{orchestrator.LogNotifier{Logger: logger}, hub},
		Logger:   logger,
	})
	engine := analytics.NewEngine(svc, caches, analytics.Options{Logger: logger})

	api := httpapi.New(httpapi.Deps{
		Service:     svc,
		Sync:        manager,
		Coordinator: coordinator,
		Analytics:   engine,
		Hub:         hub,
	}, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})

	return &app{
		handler: api.Handler(),
		sync:    manager,
		svc:     svc,
		cancel:  cancel,
		closers: closers,
		logger:  logger,
	}, nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		repo := memory.NewSeeded(memory.WithLogger(logger))
		return repo, repo.Close, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := pgstore.New(connectCtx, cfg.DatabaseURL, pgstore.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.EnsureSchema(connectCtx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.Info("repository: postgres")
	return pg, pg.Close, nil
}
