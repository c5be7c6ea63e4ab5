package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "async-notify/internal/api"
	"async-notify/internal/app"
	"async-notify/internal/config"
	"async-notify/internal/logging"
	"async-notify/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("ASYNC_NOTIFY_CONFIG"))
	if err != nil {
		logging.L().Fatal().Err(err).Msg("load config")
	}
	logger := logging.Init(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go reopenLogsOnHUP(ctx)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open queue")
	}
	defer a.Close()

	server := api.New(cfg, a.Processor, a.Limiter(), logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", cfg.HTTP.Addr).Str("backend", a.Primary.Name()).Bool("degraded", a.Degraded).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func reopenLogsOnHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := logging.Reopen(); err != nil {
				logging.L().Error().Err(err).Msg("reopen log file")
			}
		}
	}
}
