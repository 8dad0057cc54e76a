package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/auth"
	"github.com/erauner12/stocksync/internal/db"
	"github.com/erauner12/stocksync/internal/httpapi"
	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/service/inventory"
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

func envInt(k string, def int) int {
	n, err := strconv.Atoi(env(k, strconv.Itoa(def)))
	if err != nil {
		log.Fatal().Str("var", k).Msg("environment variable is not an integer")
	}
	return n
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if level, err := zerolog.ParseLevel(env("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = log.With().Str("service", "central").Logger()

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

	if err := db.EnsureCentralSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	authCfg := auth.Config{
		Secret:    mustEnv("JWT_SECRET"),
		Algorithm: env("JWT_ALGORITHM", "HS256"),
		TTL:       time.Duration(envInt("JWT_EXPIRATION", 15)) * time.Minute,
	}

	m := &metrics.Central{}
	srv := &httpapi.Server{
		DB:                 pool,
		Inventory:          inventory.NewService(pool, m),
		Metrics:            m,
		Auth:               authCfg,
		TokenRatePerMinute: envInt("TOKEN_RATE_LIMIT", 60),
		TokenRateBurst:     envInt("TOKEN_RATE_BURST", 10),
	}

	httpAddr := ":" + env("PORT", "8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting central HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
