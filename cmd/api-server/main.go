package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/api"
	"github.com/medidesk/clinic-scheduling/internal/config"
	"github.com/medidesk/clinic-scheduling/internal/db"
	"github.com/medidesk/clinic-scheduling/internal/logging"
	"github.com/medidesk/clinic-scheduling/internal/metrics"
	"github.com/medidesk/clinic-scheduling/internal/notify"
	"github.com/medidesk/clinic-scheduling/internal/redisclient"
	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	// Notification dispatch is optional; without a broker URL every
	// notification is a no-op and bookings still work.
	var notifier notify.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal("rabbitmq connection error", zap.Error(err))
		}
		defer func() { _ = conn.Close() }()

		notifier, err = notify.NewAMQPNotifier(conn, logger)
		if err != nil {
			logger.Fatal("notifier init error", zap.Error(err))
		}
		logger.Info("connected to RabbitMQ")
	} else {
		logger.Warn("AMQP_URL not set, notifications disabled")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	repo := schedule.NewPgRepository(pgPool)
	clock := schedule.SystemClock()
	locker := redisclient.NewBookingLocker(rdb, cfg.LockTTL)

	availability := schedule.NewAvailabilityResolver(repo)
	distribution := schedule.NewDistributionEngine(repo, availability, cfg.NextSlotHorizonDays)
	expander := schedule.NewRecurrenceExpander(cfg.RecurrenceMaxOccurrences)

	booking := schedule.NewBookingService(repo, availability, distribution, expander, locker, clock, logger, m)
	orchestrator := schedule.NewReassignmentOrchestrator(
		repo, distribution, availability, notifier, locker, clock, logger, m,
		schedule.LateApprovalPolicy(cfg.LateApprovalPolicy), cfg.SuggestionWindowDays,
	)
	bulk := schedule.NewBulkOperationCoordinator(repo, orchestrator, distribution, clock, logger, m)
	cancellation := schedule.NewCancellationPolicyEvaluator(repo, notifier, clock, logger)

	router := api.NewRouter(api.RouterConfig{
		Booking:      booking,
		Distribution: distribution,
		Cancellation: cancellation,
		Bulk:         bulk,
		Reassignment: orchestrator,
		Repo:         repo,
		Clock:        clock,
		PgPool:       pgPool,
		Redis:        rdb,
		Registry:     registry,
		Logger:       logger,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
}
