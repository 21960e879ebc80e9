package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chompskiecodes/voicebook/internal/api/router"
	"github.com/chompskiecodes/voicebook/internal/app/bootstrap"
	"github.com/chompskiecodes/voicebook/internal/availability"
	"github.com/chompskiecodes/voicebook/internal/booking"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	appconfig "github.com/chompskiecodes/voicebook/internal/config"
	"github.com/chompskiecodes/voicebook/internal/http/handlers"
	"github.com/chompskiecodes/voicebook/internal/observability/metrics"
	"github.com/chompskiecodes/voicebook/internal/pms"
	"github.com/chompskiecodes/voicebook/internal/session"
	"github.com/chompskiecodes/voicebook/internal/worker/refresher"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voicebook API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool, err := bootstrap.BuildPgxPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if err != nil {
		logger.Error("failed to initialize redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	m := metrics.New(nil)

	catalog := clinic.NewStore(pool)
	cacheStore := cache.NewStore(pool, cache.TTLs{
		Availability: cfg.AvailabilityTTL,
		Patient:      cfg.PatientTTL,
		ServiceMatch: cfg.ServiceMatchTTL,
	}, logger.Component("cache"), m)
	sessions := session.NewStore(redisClient, cfg.BookingContextTTL, cfg.RejectedSlotTTL, logger.Component("session"))

	pmsFactory := pms.NewFactory(pms.Config{
		Host:          cfg.PMSHost,
		Contact:       cfg.PMSContact,
		Timeout:       cfg.PMSTimeout,
		MaxRetries:    cfg.PMSMaxRetries,
		BackoffBase:   cfg.PMSBackoffBase,
		BackoffCap:    cfg.PMSBackoffCap,
		MaxConcurrent: cfg.PMSMaxConcurrent,
		BudgetPerMin:  cfg.PMSBudgetPerMin,
	}, logger, m)

	engine := availability.NewEngine(catalog, cacheStore, sessions, pmsFactory, availability.Config{
		Deadline: cfg.RequestDeadline,
		MaxDays:  cfg.FindNextMaxDays,
	}, logger.Component("availability"))

	locks := booking.NewSlotLock(redisClient, cfg.BookingLockTTL, logger.Component("locks"))
	repo := booking.NewRepository(pool)
	coordinator := booking.NewCoordinator(catalog, repo, cacheStore, sessions, locks,
		booking.FactoryAdapter{Factory: pmsFactory},
		booking.Config{FailedAttemptTTL: cfg.FailedAttemptTTL},
		logger.Component("booking"))

	webhook := handlers.New(handlers.Config{
		Catalog:         catalog,
		Engine:          engine,
		Booker:          coordinator,
		Sessions:        sessions,
		ServiceMatches:  cacheStore,
		Logger:          logger.Component("webhook"),
		Metrics:         m,
		RequestDeadline: cfg.RequestDeadline,
		FindNextDefault: cfg.FindNextDefaultDays,
		FindNextMax:     cfg.FindNextMaxDays,
	})

	r := router.New(&router.Config{
		Logger:             logger,
		Webhook:            webhook,
		APIKey:             cfg.WebhookAPIKey,
		RequireAPIKey:      cfg.IsProduction(),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	// Background availability refresher.
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go refresher.New(catalog, cacheStore, pmsFactory, cfg.RefreshInterval, logger.Component("refresher")).Run(workerCtx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	stopWorker()
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("server stopped")
}
