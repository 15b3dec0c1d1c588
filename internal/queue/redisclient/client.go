// Package redisclient wraps the Redis connection used for the
// best-effort secondary wake channel and readiness probing.
package redisclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	redisdb *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) *Client {
	return &Client{redisdb: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})}
}

// Ping checks connectivity for the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.redisdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.redisdb.Close()
}

// Raw exposes the underlying client for callers that need more than
// this wrapper's surface.
func (c *Client) Raw() *redis.Client {
	return c.redisdb
}

// Publish sends a payload-less message on channel, satisfying
// bus.RedisPublisher: a best-effort secondary wake fan-out parallel to
// the Postgres NOTIFY channel, never a source of truth.
func (c *Client) Publish(ctx context.Context, channel string) error {
	return c.redisdb.Publish(ctx, channel, "").Err()
}
