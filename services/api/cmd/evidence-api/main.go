package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"evidenced/pkg/config"
	"evidenced/pkg/telemetry"
	"evidenced/services/api"
	"evidenced/services/evidence/wire"
)

const serviceName = "evidence-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
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

	stack, err := wire.Open(ctx, cfg, logger, wire.Options{
		Name:       serviceName,
		Migrate:    true,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init evidence stack")
	}
	defer stack.Close()

	if stack.Signer == nil {
		logger.Warn().Msg("EVIDENCE_SIGNING_KEY not set; packages will be unsigned")
	}
	if stack.Bus == nil {
		logger.Info().Msg("NATS_URL not set; capture events disabled")
	}

	handler, err := api.New(stack.Service, api.Config{
		AllowedOrigins:   cfg.AllowedOrigins,
		CaptureRateLimit: cfg.CaptureRateLimit,
		CaptureTimeout:   cfg.Render.Timeout + cfg.UploadTimeout + cfg.PersistTimeout + cfg.LinkTimeout,
		Ready:            []api.ReadyCheck{stack.Ping},
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting evidence-api")
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
