package queue

import (
	"context"
	"fmt"

	"async-notify/internal/config"
)

// Open builds the backend selected by cfg.Queue.Backend. Relational backends are
// migrated before they are returned.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch config.NormalizeBackend(cfg.Queue.Backend) {
	case "file":
		q, err := OpenFallback(cfg)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "kv":
		q, err := NewRedisQueue(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "relational":
		return openRelational(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// OpenFallback returns the file backend used when the primary is unreachable.
func OpenFallback(cfg config.Config) (*FileQueue, error) {
	return NewFileQueue(cfg.File.Dir)
}

func openRelational(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.Database.Driver {
	case "postgres", "":
		q, err := NewPostgresQueue(ctx, cfg.Database.DSN, cfg.Database.MaxConnections)
		if err != nil {
			return nil, err
		}
		if err := q.Migrate(ctx); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return q, nil
	case "mysql", "sqlite":
		q, err := OpenSQLQueue(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
