package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config controls how the storage backend is opened.
type Config struct {
	Driver string
	DSN    string
	// Migrate applies the schema on open for SQL backends.
	Migrate bool
	Logger  *zap.Logger
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Open constructs a Storage based on the given configuration.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("storage")

	drv := cfg.Driver
	if drv == "" {
		drv = "memory"
	}

	var st Storage
	switch drv {
	case "memory":
		log.Info("using in-memory backend")
		return NewMemory(), nil

	case "sqlite", "postgres", "mysql":
		log.Info("using gorm backend", zap.String("driver", drv))
		gs, err := NewGormStorage(drv, cfg.DSN)
		if err != nil {
			return nil, err
		}
		st = gs

	case "postgrespool":
		log.Info("using pgxpool backend")
		ps, err := OpenPostgresPool(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		st = ps

	case "redis":
		log.Info("using redis backend")
		return OpenRedis(ctx, cfg.DSN)

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", drv)
	}

	if cfg.Migrate {
		if m, ok := st.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				st.Close()
				return nil, fmt.Errorf("storage migrate: %w", err)
			}
		}
	}
	return st, nil
}
