package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/config"
	"github.com/hackgods/rg-appointment-portal/internal/db"
	"github.com/hackgods/rg-appointment-portal/internal/events"
	"github.com/hackgods/rg-appointment-portal/internal/logging"
	"github.com/hackgods/rg-appointment-portal/internal/notify"
	redisclient "github.com/hackgods/rg-appointment-portal/internal/redis"
	"github.com/hackgods/rg-appointment-portal/internal/reminder"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "reminder-worker")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.App.Env, cfg.App.LogLevel, "reminder-worker")
	reminderCfg := cfg.ReminderConfig()
	logger.Info().
		Str("env", cfg.App.Env).
		Dur("interval", reminderCfg.Interval).
		Ints("offsets_days", reminderCfg.Offsets()).
		Bool("email", reminderCfg.EmailEnabled).
		Bool("messaging", reminderCfg.MessagingEnabled).
		Msg("reminder worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := appointment.NewPgRepository(pgPool)

	opts := []reminder.Option{
		reminder.WithLocker(redisclient.NewLocker(rdb, reminderCfg.Interval)),
	}
	if cfg.Reminder.DistributedAttempts {
		opts = append(opts, reminder.WithAttemptTracker(redisclient.NewAttemptTracker(rdb, cfg.Reminder.AttemptCacheTTL)))
	} else {
		opts = append(opts, reminder.WithAttemptTracker(reminder.NewMemoryTracker(cfg.Reminder.AttemptCacheSize, cfg.Reminder.AttemptCacheTTL)))
	}

	var (
		email     notify.EmailSender
		messaging notify.MessageSender
	)
	if cfg.RabbitMQ.Enabled {
		publisher, err := events.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbitmq connection error")
		}
		defer publisher.Close()
		email, messaging = publisher, publisher
	} else {
		sender := notify.NewLogSender(logger)
		email, messaging = sender, sender
	}

	scheduler := reminder.New(
		repo,
		notify.NewDispatcher(email, messaging, logger),
		reminder.NewEventAudit(repo, logger),
		reminderCfg,
		logger,
		opts...,
	)

	if cfg.RabbitMQ.Enabled {
		listener, err := events.NewListener(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbitmq listener error")
		}
		defer listener.Stop()

		if err := listener.Start(rootCtx, triggerOnChange(scheduler, logger)); err != nil {
			logger.Fatal().Err(err).Msg("rabbitmq consume error")
		}
		logger.Info().Str("queue", cfg.RabbitMQ.Queue).Msg("sweeping on appointment events")
	}

	scheduler.Run(rootCtx)
	logger.Info().Msg("shutdown signal received, reminder worker stopped")
}

// triggerOnChange asks for an early sweep whenever an appointment changes. A
// trigger that arrives mid-sweep is dropped; the next tick picks it up.
func triggerOnChange(s *reminder.Scheduler, logger zerolog.Logger) events.Handler {
	return func(_ context.Context, ev events.AppointmentChanged) error {
		if !s.Trigger() {
			logger.Debug().Str("appointment_id", ev.AppointmentID.String()).Msg("sweep busy, trigger dropped")
		}
		return nil
	}
}
