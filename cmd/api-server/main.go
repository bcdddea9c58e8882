package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/rg-appointment-portal/internal/api"
	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/booking"
	"github.com/hackgods/rg-appointment-portal/internal/config"
	"github.com/hackgods/rg-appointment-portal/internal/db"
	"github.com/hackgods/rg-appointment-portal/internal/events"
	"github.com/hackgods/rg-appointment-portal/internal/logging"
	redisclient "github.com/hackgods/rg-appointment-portal/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "api-server")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.App.Env, cfg.App.LogLevel, "api-server")
	logger.Info().
		Str("env", cfg.App.Env).
		Str("http_port", cfg.HTTP.Port).
		Str("timezone", cfg.App.Timezone).
		Msg("api-server starting up")

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

	// Connect Redis
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

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQ.Enabled {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbitmq connection error")
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
		logger.Info().Str("exchange", cfg.RabbitMQ.Exchange).Msg("publishing appointment events")
	}

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewLocker(rdb, cfg.Redis.LockTTL)
	svc := booking.NewService(repo, locker, publisher, booking.Policies{
		Reschedule:         cfg.ReschedulePolicy(),
		Cancellation:       cfg.CancellationPolicy(),
		CancellationFilter: cfg.CancellationFilter(),
	}, cfg.Location, logger)

	redisPing := api.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	handler := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Postgres: pgPool,
		Redis:    redisPing,
		Logger:   logger,
		Env:      cfg.App.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}

	logger.Info().Msg("api-server stopped")
}
