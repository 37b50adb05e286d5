package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"offlinequeue/internal/config"
	"offlinequeue/internal/models"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisDeadLetter stores purged operations in a Redis list, newest at the head.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
	maxLen int64
}

func NewRedisDeadLetter(client *redis.Client, key string, maxLen int64) *RedisDeadLetter {
	return &RedisDeadLetter{
		client: client,
		key:    key,
		maxLen: maxLen,
	}
}

func (r *RedisDeadLetter) Push(ctx context.Context, record models.DeadLetter) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, r.key, 0, r.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (r *RedisDeadLetter) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	vals, err := r.client.LRange(ctx, r.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	out := make([]models.DeadLetter, 0, len(vals))
	for _, val := range vals {
		var record models.DeadLetter
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
