package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrehwald/bigbluebutton-mr/internal/adapters/admin"
	"github.com/mrehwald/bigbluebutton-mr/internal/bbb"
	"github.com/mrehwald/bigbluebutton-mr/internal/bus"
	"github.com/mrehwald/bigbluebutton-mr/internal/config"
	"github.com/mrehwald/bigbluebutton-mr/internal/mcs"
	"github.com/mrehwald/bigbluebutton-mr/internal/screenshare"
	"github.com/mrehwald/bigbluebutton-mr/pkg/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	tracerProvider, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}

	gateway, err := bus.NewRedisGateway(cfg.Redis, bbb.EventKeys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to the message bus")
	}

	mcsClient, err := mcs.NewWSClient(ctx, cfg.MCS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to the media control service")
	}

	manager := screenshare.NewManager(cfg, gateway, mcsClient)
	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("screenshare manager failed to start")
	}
	if err := manager.Dispatch(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe the screenshare channel")
	}

	router := admin.SetupRouter(cfg, manager)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info().Str("addr", addr).Msg("screenshare SFU started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.StopAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server forced to shutdown")
	}
	if err := mcsClient.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing mcs connection")
	}
	if err := gateway.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing bus gateway")
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error shutting down tracer")
		}
	}
	log.Info().Msg("exited gracefully")
}
