package store

import (
	"context"
	"fmt"

	"github.com/openwork/owpenbot/internal/common/config"
)

// New creates the repository selected by the store configuration.
func New(ctx context.Context, cfg config.StoreConfig) (Repository, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryRepository(0), nil
	case "sqlite":
		return NewSQLiteRepository(cfg.Path)
	case "postgres":
		return NewPostgresRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
