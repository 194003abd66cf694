package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/config"
	"github.com/medidesk/clinic-scheduling/internal/db"
	"github.com/medidesk/clinic-scheduling/internal/logging"
	"github.com/medidesk/clinic-scheduling/internal/notify"
	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

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

	logger.Info("reminder-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("lead", cfg.ReminderLead),
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
		logger.Warn("AMQP_URL not set, reminders will be marked without dispatch")
	}

	repo := schedule.NewPgRepository(pgPool)
	clock := schedule.SystemClock()

	// Run once at startup
	runOnce(rootCtx, repo, notifier, clock, cfg.ReminderLead, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, repo, notifier, clock, cfg.ReminderLead, logger)
		}
	}
}

func runOnce(
	ctx context.Context,
	repo schedule.Repository,
	notifier notify.Notifier,
	clock schedule.Clock,
	lead time.Duration,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := clock.Now()
	due, err := repo.ListUpcomingUnreminded(runCtx, start, start.Add(lead))
	if err != nil {
		logger.Error("list due reminders", zap.Error(err))
		return
	}

	sent := 0
	for i := range due {
		appt := &due[i]
		vars := map[string]string{
			"appointment_id": appt.ID.String(),
			"start_time":     appt.StartTime.Format(time.RFC3339),
			"duration_min":   strconv.Itoa(int(appt.EndTime.Sub(appt.StartTime).Minutes())),
		}
		if err := notifier.Send(runCtx, appt.PatientID, notify.TemplateAppointmentReminder, vars); err != nil {
			logger.Warn("reminder dispatch failed",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if err := repo.MarkReminderSent(runCtx, appt.ID, clock.Now()); err != nil {
			logger.Warn("mark reminder sent",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}

	logger.Info("reminder run complete",
		zap.Int("due", len(due)),
		zap.Int("sent", sent),
		zap.Duration("took", time.Since(start)),
	)
}
