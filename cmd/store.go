package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/checkpoint"
	"github.com/sells-group/docflow/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "docflow.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// checkpointStore is a checkpoint.Store that may hold resources.
type checkpointStore interface {
	checkpoint.Store
	Close() error
}

type fileCheckpoints struct{ *checkpoint.FileStore }

func (fileCheckpoints) Close() error { return nil }

func initCheckpoints(ctx context.Context) (checkpointStore, error) {
	path := cfg.Checkpoint.Path
	if path == "" {
		path = "docflow.checkpoint.json"
	}
	switch cfg.Checkpoint.Driver {
	case "", "file":
		return fileCheckpoints{checkpoint.NewFileStore(path)}, nil
	case "sqlite":
		s, err := checkpoint.NewSQLite(path, cfg.Checkpoint.Keep)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("unsupported checkpoint driver: %s", cfg.Checkpoint.Driver)
	}
}
