package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tile-engine/internal/domain/repository"
	"go.uber.org/zap"
)

type cacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

func NewCacheRepository(redis *Redis) repository.CacheRepository {
	return &cacheRepository{
		client: redis.Client(),
		logger: redis.logger,
	}
}

// NewCacheRepositoryForTest wires a repository around an existing client.
func NewCacheRepositoryForTest(client *redis.Client, logger *zap.Logger) repository.CacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cacheRepository{client: client, logger: logger}
}

func (r *cacheRepository) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		r.logger.Error("Failed to get from cache", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get error: %w", err)
	}

	r.logger.Debug("Cache hit", zap.String("key", key))
	return val, nil
}

func (r *cacheRepository) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := r.client.Set(ctx, key, value, ttl).Err()
	if err != nil {
		r.logger.Error("Failed to set cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set error: %w", err)
	}

	r.logger.Debug("Cache set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (r *cacheRepository) Delete(ctx context.Context, key string) error {
	err := r.client.Del(ctx, key).Err()
	if err != nil {
		r.logger.Error("Failed to delete from cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache delete error: %w", err)
	}

	r.logger.Debug("Cache deleted", zap.String("key", key))
	return nil
}

func (r *cacheRepository) GetTile(ctx context.Context, dataset string, z, x, y int) ([]byte, error) {
	return r.Get(ctx, TileKey(dataset, z, x, y))
}

func (r *cacheRepository) SetTile(ctx context.Context, dataset string, z, x, y int, data []byte, ttl time.Duration) error {
	return r.Set(ctx, TileKey(dataset, z, x, y), data, ttl)
}

// TileKey builds the namespaced cache key for a tile payload. The dataset
// segment leaves room for a future schema-version token without reshaping
// every key.
func TileKey(dataset string, z, x, y int) string {
	return fmt.Sprintf("tile:%s:%d:%d:%d", dataset, z, x, y)
}
