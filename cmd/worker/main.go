package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"async-notify/internal/app"
	"async-notify/internal/config"
	"async-notify/internal/logging"
	"async-notify/internal/telemetry"
	"async-notify/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("ASYNC_NOTIFY_CONFIG"))
	if err != nil {
		logging.L().Fatal().Err(err).Msg("load config")
	}
	logger := logging.Init(cfg.Logging)

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger = logger.With().Str("worker_id", workerID).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal().Err(err).Msg("create scheduler")
	}
	for _, category := range a.Registry.Categories() {
		_, err := scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.Interval),
			gocron.NewTask(func() { drainOnce(ctx, a.Processor, category, cfg.Batch.Size, logger) }),
			gocron.WithName("drain-"+category),
			gocron.WithTags("drain", category),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			logger.Fatal().Err(err).Str("category", category).Msg("schedule drain")
		}
	}

	metricsServer := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	scheduler.Start()
	logger.Info().
		Str("backend", a.Primary.Name()).
		Bool("degraded", a.Degraded).
		Dur("interval", cfg.Worker.Interval).
		Int("batch", cfg.Batch.Size).
		Msg("worker started")

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown")
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info().Msg("worker stopped")
}

func drainOnce(ctx context.Context, p *worker.Processor, category string, limit int, logger zerolog.Logger) {
	summary, err := p.Drain(ctx, category, limit)
	if err != nil {
		logger.Error().Err(err).Str("category", category).Msg("drain failed")
		return
	}
	if summary.Total > 0 || summary.Reclaimed > 0 {
		logger.Debug().Str("category", category).Int("total", summary.Total).Int("failed", summary.Failed).Msg("drain pass")
	}
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
