package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"evidenced/pkg/config"
	"evidenced/pkg/telemetry"
	"evidenced/services/evidence/wire"
	"evidenced/services/verifier"
)

const serviceName = "evidence-verifier"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.NATSURL == "" {
		log.Fatal().Err(errors.New("NATS_URL is required")).Msg("load config")
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stderr)

	shutdownTracing, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	stack, err := wire.Open(ctx, cfg, logger, wire.Options{Name: serviceName})
	if err != nil {
		logger.Fatal().Err(err).Msg("init evidence stack")
	}
	defer stack.Close()

	v, err := verifier.New(stack.Service, verifier.Config{
		Signer:     stack.Signer,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger.With().Str("component", "verifier").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init verifier")
	}
	if err := v.Start(ctx, stack.Bus); err != nil {
		logger.Fatal().Err(err).Msg("subscribe")
	}
	defer func() {
		if err := v.Close(); err != nil {
			logger.Error().Err(err).Msg("close subscriptions")
		}
	}()

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting evidence-verifier")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}
