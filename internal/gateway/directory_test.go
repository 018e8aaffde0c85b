package gateway

import (
	"context"
	"testing"
	"time"

	"chat-gateway/internal/models"
	"chat-gateway/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectoryRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDirectoryJoinLeave(t *testing.T) {
	ctx := context.Background()
	mr, client := newDirectoryRedis(t)
	d := NewRedisDirectory(client, "gw-1", logger.Discard())

	require.NoError(t, d.Join(ctx, "A", models.StatusDND))

	online, err := d.IsOnline(ctx, "A")
	require.NoError(t, err)
	assert.True(t, online)

	statuses, err := d.Statuses(ctx, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, map[string]models.UserStatus{"A": models.StatusDND}, statuses)

	remaining, err := d.Leave(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	online, err = d.IsOnline(ctx, "A")
	require.NoError(t, err)
	assert.False(t, online)
	assert.Equal(t, string(models.StatusUnavailable), mr.HGet("user:A:status", "status"))
	assert.Equal(t, offlineStatusTTL, mr.TTL("user:A:status"))

	statuses, err = d.Statuses(ctx, []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestRedisDirectoryMultipleInstances(t *testing.T) {
	ctx := context.Background()
	_, client := newDirectoryRedis(t)
	east := NewRedisDirectory(client, "east", logger.Discard())
	west := NewRedisDirectory(client, "west", logger.Discard())

	require.NoError(t, east.Join(ctx, "A", models.StatusOnline))
	require.NoError(t, west.Join(ctx, "A", models.StatusIdle))

	remaining, err := east.Leave(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	statuses, err := east.Statuses(ctx, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, statuses["A"], "user is still connected to west")

	remaining, err = west.Leave(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	users, err := east.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRedisDirectoryRejoinClearsExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newDirectoryRedis(t)
	d := NewRedisDirectory(client, "gw-1", logger.Discard())

	require.NoError(t, d.Join(ctx, "A", models.StatusOnline))
	_, err := d.Leave(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, d.Join(ctx, "A", models.StatusOnline))

	assert.Equal(t, time.Duration(0), mr.TTL("user:A:status"))
}

func TestRedisDirectoryClearInstance(t *testing.T) {
	ctx := context.Background()
	_, client := newDirectoryRedis(t)
	east := NewRedisDirectory(client, "east", logger.Discard())
	west := NewRedisDirectory(client, "west", logger.Discard())

	require.NoError(t, east.Join(ctx, "A", models.StatusOnline))
	require.NoError(t, east.Join(ctx, "B", models.StatusOnline))
	require.NoError(t, west.Join(ctx, "B", models.StatusOnline))

	east.ClearInstance(ctx, []string{"A", "B"})

	users, err := west.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, users)
}

func TestRedisDirectoryUnavailable(t *testing.T) {
	mr, client := newDirectoryRedis(t)
	d := NewRedisDirectory(client, "gw-1", logger.Discard())
	mr.Close()

	_, err := d.Statuses(context.Background(), []string{"A"})
	assert.Error(t, err)
	_, err = d.Leave(context.Background(), "A")
	assert.Error(t, err)
}
