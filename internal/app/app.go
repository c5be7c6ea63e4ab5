// Package app assembles the queue backends, provider registry and processor
// shared by the api, worker and asyncctl binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"async-notify/internal/config"
	"async-notify/internal/queue"
	"async-notify/internal/ratelimit"
	"async-notify/internal/worker"
)

type App struct {
	Config    config.Config
	Primary   queue.Backend
	Fallback  *queue.FileQueue
	Registry  *worker.Registry
	Processor *worker.Processor
	// Degraded is set when the configured backend was unreachable at startup
	// and the file queue serves as primary instead.
	Degraded bool

	logger zerolog.Logger
}

// Open connects the configured backend. An unreachable kv or relational
// backend is not fatal: the file queue takes its place and Degraded is set.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	fallback, err := queue.OpenFallback(cfg)
	if err != nil {
		return nil, fmt.Errorf("open file queue: %w", err)
	}

	a := &App{Config: cfg, Fallback: fallback, logger: logger}

	if config.NormalizeBackend(cfg.Queue.Backend) == "file" {
		a.Primary = fallback
	} else {
		primary, err := queue.Open(ctx, cfg)
		switch {
		case err == nil:
			a.Primary = primary
		case queue.IsUnavailable(err):
			logger.Warn().Err(err).Str("backend", cfg.Queue.Backend).Msg("primary backend unavailable at startup, using file queue")
			a.Primary = fallback
			a.Degraded = true
		default:
			return nil, fmt.Errorf("open %s backend: %w", cfg.Queue.Backend, err)
		}
	}

	reg, err := worker.NewRegistryFromConfig(cfg, logger)
	if err != nil {
		_ = a.Primary.Close()
		return nil, err
	}
	a.Registry = reg
	a.Processor = worker.NewProcessor(cfg, a.Primary, fallback, reg, logger)
	return a, nil
}

// Limiter returns a Redis token bucket when the kv backend is live and an
// in-process limiter otherwise.
func (a *App) Limiter() ratelimit.Limiter {
	rl := a.Config.RateLimit
	if rl.Capacity <= 0 {
		return nil
	}
	if rq, ok := a.Primary.(*queue.RedisQueue); ok {
		return ratelimit.NewTokenBucket(rq.Client(), a.Config.Queue.KeyPrefix, rl.Capacity, rl.Refill, time.Hour)
	}
	return ratelimit.NewLocalLimiter(rl.Capacity, rl.Refill)
}

func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if a.Primary != nil {
		errs = append(errs, a.Primary.Close())
	}
	return errors.Join(errs...)
}
