package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_ADDR and isolates each test under a
// random key prefix. Tests skip when no server is configured.
func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(client, "lokvaani-test:"+uuid.NewString()+":")
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	return s
}

func TestNewRedisStore_Validation(t *testing.T) {
	_, err := NewRedisStore(nil, "")
	require.Error(t, err)

	s, err := NewRedisStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	require.NoError(t, err)
	require.Equal(t, "lokvaani:session:abc", s.sessionKey("abc"))
	require.Equal(t, "lokvaani:lease:abc", s.leaseKey("abc"))
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) StoreLocker {
		return newTestRedis(t)
	})
}

func TestRedisStore_TouchExtendsTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestRedis(t)

	_, err := s.Set(ctx, testSession("redis-touch"), time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, "redis-touch", time.Hour))

	pttl, err := s.client.PTTL(ctx, s.sessionKey("redis-touch")).Result()
	require.NoError(t, err)
	require.Greater(t, pttl, time.Minute)

	// A shorter touch leaves the longer expiry in place.
	require.NoError(t, s.Touch(ctx, "redis-touch", time.Second))
	pttl, err = s.client.PTTL(ctx, s.sessionKey("redis-touch")).Result()
	require.NoError(t, err)
	require.Greater(t, pttl, time.Minute)
}
