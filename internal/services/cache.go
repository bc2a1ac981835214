package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CacheService wraps redis for the two read-side caches the API keeps:
// idempotency-key replays on match ingestion and leaderboard pages.
// Every method tolerates a nil client so the service degrades to
// cache-off when REDIS_URL is unset.
type CacheService struct {
	client *redis.Client
}

func NewCacheService(client *redis.Client) *CacheService {
	return &CacheService{
		client: client,
	}
}

func (s *CacheService) Enabled() bool {
	return s != nil && s.client != nil
}

func (s *CacheService) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := s.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Get unmarshals the cached value into dest. The boolean reports a hit;
// a miss is not an error.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}

func (s *CacheService) Delete(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}

func (s *CacheService) Exists(ctx context.Context, key string) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cache existence: %w", err)
	}
	return val > 0, nil
}

// Cache key generators
func IdempotencyCacheKey(organizationID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", organizationID, idempotencyKey)
}

func LeaderboardCacheKey(ladderID, pageToken string) string {
	return fmt.Sprintf("leaderboard:%s:%s", ladderID, pageToken)
}

func LeaderboardInvalidationPattern(ladderID string) string {
	return fmt.Sprintf("leaderboard:%s:*", ladderID)
}

// InvalidateLeaderboard drops every cached page of the ladder's standings.
// Called after ingestion and after replay finishes rewriting a ladder.
func (s *CacheService) InvalidateLeaderboard(ctx context.Context, ladderID string) error {
	if !s.Enabled() {
		return nil
	}
	iter := s.client.Scan(ctx, 0, LeaderboardInvalidationPattern(ladderID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan leaderboard keys: %w", err)
	}
	return s.Delete(ctx, keys...)
}

// Cache with retry logic
func (s *CacheService) SetWithRetry(ctx context.Context, key string, value interface{}, expiration time.Duration, maxRetries int) error {
	if !s.Enabled() {
		return nil
	}
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = s.Set(ctx, key, value, expiration); err == nil {
			return nil
		}
		logrus.Warnf("Cache set failed (attempt %d/%d): %v", i+1, maxRetries, err)
		time.Sleep(time.Millisecond * 100 * time.Duration(i+1))
	}
	return err
}

// Flush clears all cache entries
func (s *CacheService) Flush() error {
	if !s.Enabled() {
		return nil
	}
	return s.client.FlushDB(context.Background()).Err()
}
