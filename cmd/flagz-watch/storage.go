package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagz-go/internal/config"
	"github.com/matt-riley/flagz-go/storage"
	"github.com/matt-riley/flagz-go/storage/filestore"
	"github.com/matt-riley/flagz-go/storage/pgstore"
	"github.com/matt-riley/flagz-go/storage/redisstore"
	"github.com/matt-riley/flagz-go/storage/sqlitestore"
)

type storageBackend struct {
	store storage.Store
	// pool is set for the postgres backend.
	pool  *pgxpool.Pool
	close func() error
}

func openStorage(ctx context.Context, cfg config.Config) (storageBackend, error) {
	noop := func() error { return nil }

	switch cfg.Storage {
	case config.StorageFile:
		s, err := filestore.New(cfg.StorageDSN)
		if err != nil {
			return storageBackend{}, fmt.Errorf("open file storage: %w", err)
		}
		return storageBackend{store: s, close: noop}, nil
	case config.StorageRedis:
		s, err := redisstore.Connect(ctx, cfg.StorageDSN)
		if err != nil {
			return storageBackend{}, fmt.Errorf("open redis storage: %w", err)
		}
		return storageBackend{store: s, close: s.Close}, nil
	case config.StoragePostgres:
		s, err := pgstore.Open(ctx, cfg.StorageDSN)
		if err != nil {
			return storageBackend{}, fmt.Errorf("open postgres storage: %w", err)
		}
		return storageBackend{store: s, pool: s.Pool(), close: s.Close}, nil
	case config.StorageSQLite:
		s, err := sqlitestore.Open(ctx, cfg.StorageDSN)
		if err != nil {
			return storageBackend{}, fmt.Errorf("open sqlite storage: %w", err)
		}
		return storageBackend{store: s, close: s.Close}, nil
	default:
		return storageBackend{store: storage.NewMemory(), close: noop}, nil
	}
}
