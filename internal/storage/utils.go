package storage

import (
	"context"

	"github.com/ignatij/taskgraph/internal/config"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
)

// OpenStore connects the backend selected by cfg.Store. The caller closes the returned store.
func OpenStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		return store, nil
	case config.StoreRedis:
		return OpenRedisStore(ctx, cfg.RedisAddr)
	case config.StoreMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown store %q", cfg.Store)
	}
}
