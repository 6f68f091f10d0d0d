// Package redis connects the shared rate-limit store.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/agent-provisioner/internal/config"
)

type Client struct {
	*redis.Client
}

// NewClient parses redisURL, sizes the pool for rate-limit checks and
// verifies the connection before returning.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = config.RedisPoolSize
	opts.DialTimeout = config.RedisDialTimeout
	opts.ReadTimeout = config.RedisOpTimeout
	opts.WriteTimeout = config.RedisOpTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// Healthy reports whether Redis answers a ping.
func (c *Client) Healthy(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
