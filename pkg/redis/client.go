package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client is the shared Redis handle backing the meeting registry cache,
// the cross-instance event fan-out, and the audit job queue.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient connects to Redis and fails fast if the server is unreachable,
// since every coordination path depends on it.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Redis client connected", zap.String("addr", addr))
	return &Client{Client: rdb, logger: logger}, nil
}
