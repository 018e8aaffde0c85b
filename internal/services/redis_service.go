package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chat-gateway/internal/database"

	"github.com/redis/go-redis/v9"
)

// RedisService backs the HTTP rate limiter. Presence lives in the gateway's
// directory, which shares the same redis.
type RedisService struct {
	client *database.RedisClient
	log    *slog.Logger
}

func NewRedisService(client *database.RedisClient, log *slog.Logger) *RedisService {
	return &RedisService{
		client: client,
		log:    log,
	}
}

// CheckRateLimit records a hit under key and reports whether fewer than limit
// hits landed inside the sliding window
func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixNano()

	pipe := r.client.GetClient().Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("Rate limit check failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return count.Val() < int64(limit), nil
}
