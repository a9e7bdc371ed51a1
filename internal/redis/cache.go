// Package redis caches the persisted leaderboard so polling clients do not
// hit PostgreSQL on every request. The cache is a single JSON snapshot with
// a short TTL; staleness is bounded by the TTL and the refresh worker.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptduel-backend/internal/config"
	"github.com/promptduel-backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

const snapshotKey = "promptduel:leaderboard:finished"

// LeaderboardCache provides Redis-based caching of the finished-session
// leaderboard
type LeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewLeaderboardCache creates a cache backed by the configured Redis
func NewLeaderboardCache(cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &LeaderboardCache{
		client: client,
		ttl:    cfg.SnapshotTTL,
		logger: logger,
	}, nil
}

// NewLeaderboardCacheWithClient wraps an existing client; used by tests.
func NewLeaderboardCacheWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *LeaderboardCache {
	return &LeaderboardCache{client: client, ttl: ttl, logger: logger}
}

// Close closes the Redis connection
func (c *LeaderboardCache) Close() error {
	return c.client.Close()
}

// GetSnapshot returns the cached leaderboard and whether it was present
func (c *LeaderboardCache) GetSnapshot(ctx context.Context) ([]domain.LeaderboardEntry, bool, error) {
	data, err := c.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting leaderboard snapshot: %w", err)
	}

	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("unmarshaling leaderboard snapshot: %w", err)
	}
	return entries, true, nil
}

// SetSnapshot stores the leaderboard with the configured TTL
func (c *LeaderboardCache) SetSnapshot(ctx context.Context, entries []domain.LeaderboardEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling leaderboard snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("setting leaderboard snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot so the next read repopulates it
func (c *LeaderboardCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, snapshotKey).Err(); err != nil {
		return fmt.Errorf("invalidating leaderboard snapshot: %w", err)
	}
	return nil
}
