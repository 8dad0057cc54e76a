package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/centralclient"
	"github.com/erauner12/stocksync/internal/db"
	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/service/syncworker"
	"github.com/erauner12/stocksync/internal/storeapi"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatal().Str("var", k).Msg("required environment variable is not set")
	}
	return v
}

func envDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(env(k, def.String()))
	if err != nil {
		log.Fatal().Str("var", k).Msg("environment variable is not a duration")
	}
	return d
}

// cronLog adapts zerolog to the cron scheduler's logger.
type cronLog struct{}

func (cronLog) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Str("component", "cron").Msg(msg)
}

func (cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Str("component", "cron").Msg(msg)
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if level, err := zerolog.ParseLevel(env("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = log.With().Str("service", env("SERVICE_NAME", "store-1")).Logger()

	// Pretty logging for local dev
	if env("ENV", "production") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pool, err := db.Open(ctx, mustEnv("DATABASE_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.EnsureStoreSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	centralURL := mustEnv("CENTRAL_URL")
	httpTimeout := envDuration("HTTP_TIMEOUT", 10*time.Second)

	m := &metrics.Store{}
	broker := centralclient.NewTokenBroker(
		centralURL,
		env("SERVICE_NAME", "store-1"),
		mustEnv("SERVICE_SECRET"),
		&http.Client{Timeout: httpTimeout},
	)
	client := centralclient.New(centralURL, broker, m, httpTimeout)
	worker := syncworker.NewWorker(pool, client, m, envDuration("SYNC_STALE_AFTER", 30*time.Minute))

	// Periodic drain of the pending-change log. SkipIfStillRunning keeps a
	// slow run from stacking on top of itself.
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLog{}),
		cron.Recover(cronLog{}),
	))
	schedule := env("SYNC_SCHEDULE", "@every 15m")
	_, err = scheduler.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		processed, err := worker.ProcessPendingOnce(runCtx)
		if err != nil {
			log.Error().Err(err).Msg("scheduled sync run failed")
			return
		}
		log.Info().Int("processed", processed).Msg("scheduled sync run finished")
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", schedule).Msg("invalid sync schedule")
	}
	scheduler.Start()
	log.Info().Str("schedule", schedule).Msg("sync scheduler started")

	srv := &storeapi.Server{DB: pool, Metrics: m, Sync: worker}

	httpAddr := ":" + env("PORT", "8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting store HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	// Stop the scheduler first; an in-flight run finishes on its own.
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
