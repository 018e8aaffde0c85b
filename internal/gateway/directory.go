package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chat-gateway/internal/models"

	"github.com/redis/go-redis/v9"
)

// PresenceDirectory is the presence view shared by every gateway instance.
// The gateway consults it before telling guilds a user went offline and when
// building READY, so a user connected to another instance still counts.
type PresenceDirectory interface {
	Join(ctx context.Context, userID string, status models.UserStatus) error
	// Leave drops this instance's entry and returns how many instances
	// still hold the user
	Leave(ctx context.Context, userID string) (int64, error)
	// Statuses returns the users that are online on any instance
	Statuses(ctx context.Context, userIDs []string) (map[string]models.UserStatus, error)
}

const (
	onlineUsersKey   = "online_users"
	offlineStatusTTL = 24 * time.Hour
)

func userStatusKey(userID string) string {
	return fmt.Sprintf("user:%s:status", userID)
}

func userInstancesKey(userID string) string {
	return fmt.Sprintf("user:%s:instances", userID)
}

// RedisDirectory keeps one hash field per instance under user:<id>:instances.
// A user is online while that hash is non-empty. The last written status
// lives in user:<id>:status and online users in the online_users set.
type RedisDirectory struct {
	client   redis.UniversalClient
	instance string
	log      *slog.Logger
}

func NewRedisDirectory(client redis.UniversalClient, instance string, log *slog.Logger) *RedisDirectory {
	return &RedisDirectory{
		client:   client,
		instance: instance,
		log:      log.With("instance", instance),
	}
}

func (d *RedisDirectory) Join(ctx context.Context, userID string, status models.UserStatus) error {
	now := time.Now().Unix()
	pipe := d.client.TxPipeline()

	pipe.HSet(ctx, userInstancesKey(userID), d.instance, string(status))
	pipe.SAdd(ctx, onlineUsersKey, userID)
	pipe.HSet(ctx, userStatusKey(userID), map[string]interface{}{
		"status":     string(status),
		"last_seen":  now,
		"updated_at": now,
	})
	pipe.Persist(ctx, userStatusKey(userID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to join presence directory: %w", err)
	}

	d.log.Debug("User joined presence directory", "userID", userID, "status", status)
	return nil
}

func (d *RedisDirectory) Leave(ctx context.Context, userID string) (int64, error) {
	var remaining *redis.IntCmd
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, userInstancesKey(userID), d.instance)
		remaining = pipe.HLen(ctx, userInstancesKey(userID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to leave presence directory: %w", err)
	}
	if n := remaining.Val(); n > 0 {
		d.log.Debug("User still online on other instances", "userID", userID, "instances", n)
		return n, nil
	}

	now := time.Now().Unix()
	pipe := d.client.TxPipeline()
	pipe.SRem(ctx, onlineUsersKey, userID)
	pipe.HSet(ctx, userStatusKey(userID), map[string]interface{}{
		"status":     string(models.StatusUnavailable),
		"last_seen":  now,
		"updated_at": now,
	})
	pipe.Expire(ctx, userStatusKey(userID), offlineStatusTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to mark user offline: %w", err)
	}

	d.log.Debug("User left presence directory", "userID", userID)
	return 0, nil
}

func (d *RedisDirectory) Statuses(ctx context.Context, userIDs []string) (map[string]models.UserStatus, error) {
	out := make(map[string]models.UserStatus)
	if len(userIDs) == 0 {
		return out, nil
	}

	counts := make([]*redis.IntCmd, len(userIDs))
	statuses := make([]*redis.StringCmd, len(userIDs))
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			counts[i] = pipe.HLen(ctx, userInstancesKey(id))
			statuses[i] = pipe.HGet(ctx, userStatusKey(id), "status")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read presence directory: %w", err)
	}

	for i, id := range userIDs {
		if counts[i].Val() == 0 {
			continue
		}
		status := models.UserStatus(statuses[i].Val())
		if !status.IsValid() || status == models.StatusUnavailable {
			status = models.StatusOnline
		}
		out[id] = status
	}
	return out, nil
}

// IsOnline reports whether any instance holds the user
func (d *RedisDirectory) IsOnline(ctx context.Context, userID string) (bool, error) {
	return d.client.SIsMember(ctx, onlineUsersKey, userID).Result()
}

func (d *RedisDirectory) OnlineUsers(ctx context.Context) ([]string, error) {
	return d.client.SMembers(ctx, onlineUsersKey).Result()
}

// ClearInstance drops this instance's entries for the given users, used on
// shutdown for anything the session teardown did not reach
func (d *RedisDirectory) ClearInstance(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		if _, err := d.Leave(ctx, userID); err != nil {
			d.log.Warn("Failed to clear presence on shutdown", "userID", userID, "error", err)
		}
	}
}
