package vault

import (
	"context"
	"testing"
	"time"

	"imigrate/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenCache(t *testing.T) {
	cache := NewMemoryTokenCache()
	ctx := context.Background()

	session, err := cache.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, session)

	want := &Session{Token: "tok", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, cache.SetToken(ctx, 1, want))

	session, err = cache.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, want, session)

	require.NoError(t, cache.ClearToken(ctx, 1))
	session, err = cache.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestRedisTokenCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	defer client.Close()

	cache := NewRedisTokenCache(client, time.Hour)
	ctx := context.Background()

	session, err := cache.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, session)

	want := &Session{Token: "tok", Expiry: time.Now().Add(time.Hour).Truncate(time.Second)}
	require.NoError(t, cache.SetToken(ctx, 1, want))

	session, err = cache.GetToken(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "tok", session.Token)

	require.NoError(t, cache.ClearToken(ctx, 1))
	session, err = cache.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestRedisTokenCache_TTLClampedToExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	defer client.Close()

	cache := NewRedisTokenCache(client, time.Hour)
	ctx := context.Background()

	// The session expires before the cache TTL; the key must follow it.
	session := &Session{Token: "tok", Expiry: time.Now().Add(time.Minute)}
	require.NoError(t, cache.SetToken(ctx, 1, session))

	ttl := mr.TTL("env_session:1")
	assert.LessOrEqual(t, ttl, time.Minute)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestFailoverTokenCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	defer client.Close()

	logger := zerolog.Nop()
	primary := NewRedisTokenCache(client, time.Hour)
	fallback := NewMemoryTokenCache()
	cache := NewFailoverTokenCache(primary, fallback, &logger)
	ctx := context.Background()

	session := &Session{Token: "tok", Expiry: time.Now().Add(time.Hour)}

	t.Run("primary healthy", func(t *testing.T) {
		require.NoError(t, cache.SetToken(ctx, 1, session))

		got, err := cache.GetToken(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "tok", got.Token)
	})

	t.Run("primary down serves from memory", func(t *testing.T) {
		mr.Close()

		got, err := cache.GetToken(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, got, "session mirrored into memory survives the outage")
		assert.Equal(t, "tok", got.Token)
		assert.True(t, cache.isDown.Load())
	})

	t.Run("writes keep working while down", func(t *testing.T) {
		fresh := &Session{Token: "tok2", Expiry: time.Now().Add(time.Hour)}
		require.NoError(t, cache.SetToken(ctx, 2, fresh))

		got, err := cache.GetToken(ctx, 2)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "tok2", got.Token)
	})
}
