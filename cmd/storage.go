package cmd

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-push-relay/internal/storage/firestorestore"
	"github.com/tinywideclouds/go-push-relay/internal/storage/memory"
	"github.com/tinywideclouds/go-push-relay/internal/storage/redisstore"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

// NewStorage creates the pluggable storage backend based on config. The
// returned cleanup function closes any backend clients and is safe to
// call exactly once.
func NewStorage(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (push.Storage, func(), error) {
	storageType := cfg.Storage.Type
	logger.Info().Str("type", storageType).Msg("Initializing storage...")

	switch storageType {
	case config.StorageMemory:
		logger.Warn().Msg("Using in-memory storage; state is lost on restart.")
		return memory.New(), func() {}, nil

	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Storage.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Storage.Redis.Addr).Msg("Connected to Redis")
		store, err := redisstore.New(rdb, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = rdb.Close() }, nil

	case config.StorageFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.Storage.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		store, err := firestorestore.New(fsClient, logger)
		if err != nil {
			_ = fsClient.Close()
			return nil, nil, err
		}
		return store, func() { _ = fsClient.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("invalid storage type: %s", storageType)
	}
}
