package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix = "fortune:"
	// 日付が変わった後も少しだけ残しておく
	redisExpiryGrace = time.Hour
)

// RedisStore keeps one JSON value per user that expires after the entry's day.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	location *time.Location
	now      func() time.Time
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, location *time.Location) *RedisStore {
	if location == nil {
		location = time.Local
	}
	return &RedisStore{
		client:   client,
		prefix:   redisKeyPrefix,
		location: location,
		now:      time.Now,
	}
}

func (r *RedisStore) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisStore) Load(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		logger.Error("Redis is not reachable", zap.Error(err))
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, userID string) (types.FortuneEntry, bool, error) {
	val, err := r.client.Get(ctx, r.key(userID)).Result()
	if err == redis.Nil {
		return types.FortuneEntry{}, false, nil
	}
	if err != nil {
		logger.Error("Failed to get fortune entry from redis", zap.String("user_id", userID), zap.Error(err))
		return types.FortuneEntry{}, false, fmt.Errorf("failed to get fortune entry: %w", err)
	}

	var entry types.FortuneEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return types.FortuneEntry{}, false, fmt.Errorf("failed to unmarshal fortune entry: %w", err)
	}
	entry.UserID = userID
	return entry, true, nil
}

func (r *RedisStore) Put(ctx context.Context, entry types.FortuneEntry) error {
	if entry.UserID == "" {
		return fmt.Errorf("fortune entry: missing user_id")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal fortune entry: %w", err)
	}

	if err := r.client.Set(ctx, r.key(entry.UserID), data, r.ttl(entry.Date)).Err(); err != nil {
		logger.Error("Failed to put fortune entry to redis", zap.String("user_id", entry.UserID), zap.Error(err))
		return fmt.Errorf("failed to put fortune entry: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		logger.Error("Failed to delete fortune entry from redis", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to delete fortune entry: %w", err)
	}
	return nil
}

func (r *RedisStore) All(ctx context.Context) (map[string]types.FortuneEntry, error) {
	entries := map[string]types.FortuneEntry{}
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		userID := strings.TrimPrefix(iter.Val(), r.prefix)
		entry, ok, err := r.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			entries[userID] = entry
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan fortune entries: %w", err)
	}
	return entries, nil
}

// ttl lasts until the end of date in the store's location, plus a grace period.
func (r *RedisStore) ttl(date string) time.Duration {
	day, err := time.ParseInLocation("2006-01-02", date, r.location)
	if err != nil {
		return 24*time.Hour + redisExpiryGrace
	}
	ttl := day.AddDate(0, 0, 1).Add(redisExpiryGrace).Sub(r.now())
	if ttl <= 0 {
		return redisExpiryGrace
	}
	return ttl
}
