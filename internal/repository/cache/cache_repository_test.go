package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tile-engine/internal/repository/cache"
)

func TestTileKey(t *testing.T) {
	assert.Equal(t, "tile:parking_tickets:10:291:380", cache.TileKey("parking_tickets", 10, 291, 380))
	assert.Equal(t, "tile:speed_cameras:0:0:0", cache.TileKey("speed_cameras", 0, 0, 0))

	// Datasets never collide in the keyspace.
	assert.NotEqual(t,
		cache.TileKey("parking_tickets", 5, 1, 2),
		cache.TileKey("speed_cameras", 5, 1, 2))
}

// setupTestRedis connects to a real Redis, or skips when none is reachable.
func setupTestRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6380"
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Test Redis unavailable at %s, skipping: %v", addr, err)
	}
	return client
}

func TestCacheRepository_TileRoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	repo := cache.NewCacheRepositoryForTest(client, nil)
	ctx := context.Background()

	// Miss is (nil, nil), not an error.
	got, err := repo.GetTile(ctx, "parking_tickets", 9, 145, 190)
	require.NoError(t, err)
	assert.Nil(t, got)

	payload := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02}
	require.NoError(t, repo.SetTile(ctx, "parking_tickets", 9, 145, 190, payload, time.Minute))

	got, err = repo.GetTile(ctx, "parking_tickets", 9, 145, 190)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The same coordinate in another dataset stays a miss.
	got, err = repo.GetTile(ctx, "speed_cameras", 9, 145, 190)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.Delete(ctx, cache.TileKey("parking_tickets", 9, 145, 190)))
	got, err = repo.GetTile(ctx, "parking_tickets", 9, 145, 190)
	require.NoError(t, err)
	assert.Nil(t, got)
}
