// Package main is the entrypoint for the listingintel API server.
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

	"github.com/kiranshivaraju/listingintel/internal/ai"
	"github.com/kiranshivaraju/listingintel/internal/ai/providers"
	"github.com/kiranshivaraju/listingintel/internal/api"
	"github.com/kiranshivaraju/listingintel/internal/api/handler"
	mw "github.com/kiranshivaraju/listingintel/internal/api/middleware"
	"github.com/kiranshivaraju/listingintel/internal/cache"
	"github.com/kiranshivaraju/listingintel/internal/config"
	"github.com/kiranshivaraju/listingintel/internal/jobs"
	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

// backend is what the server needs from a store driver.
type backend interface {
	store.Store
	store.KeyStore
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "store", cfg.Store.Driver, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Redis is optional: without it pollers are tracked in process and
	// rate limiting is off.
	var (
		redisCache cache.Cache
		registry   pollers.Registry = pollers.NewMemoryRegistry(cfg.Redis.PollerTTL)
		cacheCheck                  = handler.HealthCheck{Name: "cache"}
	)
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer rc.Close()

		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		redisCache = rc
		registry = pollers.NewRedisRegistry(rc, cfg.Redis.PollerTTL)
		cacheCheck.Ping = rc.Ping
	} else {
		slog.Warn("REDIS_URL not set; poller registry is process-local and rate limiting is disabled")
	}

	// 4. Seed the bootstrap API key
	if err := seedBootstrapKey(ctx, st, cfg.Server); err != nil {
		return err
	}

	// 5. Create AI provider
	provider, err := providers.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	analyzer := ai.NewService(provider, cfg.AI.InferenceTimeout)
	slog.Info("AI provider initialized", "provider", analyzer.ProviderName())

	// 6. Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 7. Job lifecycle manager
	opts := jobs.OptionsFromConfig(cfg.Jobs)
	opts.Registerer = promReg
	manager := jobs.NewManager(st, registry, analyzer, opts)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:        mw.NewAuth(st),
		RateLimit:   mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		CORSOrigins: cfg.Server.AllowedOrigins,

		HealthHandler:    handler.NewHealthHandler(handler.HealthCheck{Name: "database", Ping: st.Ping}, cacheCheck),
		MetricsHandler:   promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
		StartJob:         handler.NewStartJobHandler(manager, registry),
		PollJob:          handler.NewPollJobHandler(manager, registry),
		CancelJob:        handler.NewCancelJobHandler(manager),
		UnregisterPoller: handler.NewUnregisterPollerHandler(manager, registry),
		JobEvents:        handler.NewJobEventsHandler(manager, registry, handler.DefaultKeepAlive),
		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListJobsHandler:  handler.NewListJobsHandler(manager),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server. WriteTimeout is left unset so event streams can
	// stay open; handlers bound their own work.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout: stop taking requests, then let the
	// workers record their final status.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("stop job manager: %w", err)
	}
	if serveErr != nil {
		return serveErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured store driver. The returned func releases
// its resources.
func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		return store.NewPostgresStore(pool), pool.Close, nil

	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("sqlite store opened", "path", cfg.Store.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("failed to close sqlite store", "error", err)
			}
		}, nil

	case "memory":
		slog.Warn("using in-memory job store; state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// seedBootstrapKey stores the configured bootstrap key with full scopes. An
// existing key with the same hash prefix is left alone.
func seedBootstrapKey(ctx context.Context, keys store.KeyStore, cfg config.ServerConfig) error {
	if cfg.BootstrapAPIKey == "" {
		return nil
	}
	key, err := mw.HashAPIKey(cfg.BootstrapAPIKey, cfg.BootstrapOwner, "bootstrap", []string{"jobs", "admin"})
	if err != nil {
		return fmt.Errorf("hash bootstrap key: %w", err)
	}

	existing, err := keys.GetAPIKeyByPrefix(ctx, key.KeyPrefix)
	if err != nil {
		return fmt.Errorf("look up bootstrap key: %w", err)
	}
	for _, k := range existing {
		if k.OwnerID == cfg.BootstrapOwner && k.Name == "bootstrap" {
			return nil
		}
	}

	if err := keys.CreateAPIKey(ctx, key); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("store bootstrap key: %w", err)
	}
	slog.Info("bootstrap API key stored", "owner_id", cfg.BootstrapOwner, "key_prefix", key.KeyPrefix)
	return nil
}
