// Package app wires the application together and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/segurapp/backoffice/internal/config"
	"github.com/segurapp/backoffice/internal/pkg/httputil"
	"github.com/segurapp/backoffice/internal/pkg/metrics"
	"github.com/segurapp/backoffice/internal/pkg/postgres"
	"github.com/segurapp/backoffice/internal/pkg/redisconn"
	"github.com/segurapp/backoffice/internal/scheduler"
	schedulerpostgres "github.com/segurapp/backoffice/internal/scheduler/postgres"
	"github.com/segurapp/backoffice/internal/scheduler/telegram"
	"github.com/segurapp/backoffice/internal/statestore"
	"github.com/segurapp/backoffice/internal/version"
	"github.com/segurapp/backoffice/migrations"
)

// App is the application instance. Every component is constructed once here
// and passed down explicitly; there are no package-level singletons.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	rdb           *redis.Client
	states        *statestore.Store
	timers        *scheduler.TimerRegistry
	coordinator   *scheduler.Coordinator
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MinIdleConns:    cfg.Database.MinIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redisconn.Connect(connectCtx, redisconn.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		ConnectAttempts: cfg.Redis.ConnectAttempts,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	states := statestore.New(statestore.Config{
		LocalTTL:      cfg.State.LocalTTL,
		DurableTTL:    cfg.State.DurableTTL,
		SweepInterval: cfg.State.SweepInterval,
		DeleteBatch:   cfg.State.DeleteBatch,
	}, statestore.NewRedisTier(rdb))

	messenger, err := telegram.NewSender(telegram.Config{
		Enabled:   cfg.Telegram.Enabled,
		BotToken:  cfg.Telegram.BotToken,
		RateLimit: cfg.Telegram.RateLimit,
		Timeout:   cfg.Telegram.Timeout,
	})
	if err != nil {
		db.Close()
		states.Close()
		return nil, fmt.Errorf("configure telegram sender: %w", err)
	}

	repo := schedulerpostgres.NewRepository(db)
	timers := scheduler.NewTimerRegistry()
	pipeline := scheduler.NewPipeline(repo, timers, messenger, scheduler.NewRenderer())
	coordinator := scheduler.NewCoordinator(repo, timers, pipeline, cfg.Scheduler.RecoveryGrace)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:      cfg,
		logger:      logger,
		db:          db,
		rdb:         rdb,
		states:      states,
		timers:      timers,
		coordinator: coordinator,
		bgCancel:    bgCancel,
	}

	go app.collectPoolMetrics(bgCtx)

	router := app.buildRouter(scheduler.NewHandler(coordinator, repo))

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// States exposes the state store to the surrounding back-office layers
// (menu/session handling) that are wired outside this core.
func (a *App) States() *statestore.Store {
	return a.states
}

// Router exposes the HTTP handler, for tests that serve it directly.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Coordinator exposes the scheduling coordinator.
func (a *App) Coordinator() *scheduler.Coordinator {
	return a.coordinator
}

func (a *App) buildRouter(handler *scheduler.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(httputil.MetricsMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.config.Auth.JWTSecret))
		handler.RegisterRoutes(r)
		r.Get("/state/stats", a.handleStateStats)
	})

	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (a *App) handleStateStats(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, a.states.Stats(r.Context()))
}

// Run recovers the timer registry from the repository and starts the HTTP
// servers. It blocks until the main server stops.
func (a *App) Run() error {
	recoverCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.coordinator.RecoverOnStartup(recoverCtx); err != nil {
		return fmt.Errorf("recover timers: %w", err)
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the servers, the timers and the background loops, then
// closes the connections. Armed timers are simply dropped; the repository
// keeps the schedules and the next startup re-arms them.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.bgCancel()
	a.timers.CancelAll()

	var wg sync.WaitGroup
	var serverErr, metricsErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		serverErr = a.server.Shutdown(ctx)
	}()
	go func() {
		defer wg.Done()
		metricsErr = a.metricsServer.Shutdown(ctx)
	}()
	wg.Wait()

	a.states.Close()
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("failed to close redis client", "error", err)
	}
	a.db.Close()

	if serverErr != nil {
		return fmt.Errorf("shutdown server: %w", serverErr)
	}
	if metricsErr != nil {
		return fmt.Errorf("shutdown metrics server: %w", metricsErr)
	}
	return nil
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		}
	}
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
