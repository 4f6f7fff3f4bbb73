// Package redis is the ambient, optional IP-based throttle counter (spec §1
// "IP-based rate limiting" is an out-of-scope collaborator this package
// implements). Adapted from the teacher's redis.Client, re-keyed on client
// IP instead of a database-issued API key since end-user authentication is
// an explicit Non-goal.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	client *redis.Client
}

// New creates a new Redis client.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// CheckRateLimit enforces a fixed-window per-minute counter keyed on
// clientIP, returning whether the limit was exceeded and the remaining
// budget in the current window (teacher's RateLimitMiddleware algorithm,
// re-keyed per spec §1).
func (c *Client) CheckRateLimit(ctx context.Context, clientIP string, limit int) (exceeded bool, remaining int, err error) {
	key := fmt.Sprintf("ratelimit:ip:%s", clientIP)

	count, err := c.client.Get(ctx, key).Int()
	if err == redis.Nil {
		if err := c.client.Set(ctx, key, 1, time.Minute).Err(); err != nil {
			return false, 0, err
		}
		return false, limit - 1, nil
	}
	if err != nil {
		return false, 0, err
	}

	if count >= limit {
		return true, 0, nil
	}

	newCount, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if newCount == 1 {
		c.client.Expire(ctx, key, time.Minute)
	}

	remaining = limit - int(newCount)
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining, nil
}
