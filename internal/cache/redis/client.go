// Package redis holds the state escrowd shares between replicas: the
// resolver lease, signed-request replay markers, oracle readings written by
// the price feeder, the settlement event bus and the API rate limiter.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig is the [redis] section of the escrowd config.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	DialTimeout time.Duration
}

// Client is the one connection pool every Redis-backed escrowd component
// shares. Wire builds it only when redis.enabled is set; otherwise the
// in-process cache/local implementations stand in.
type Client struct {
	addr string
	rdb  *redis.Client
}

// New dials Redis and refuses to start escrowd against an unreachable
// server, so a misconfigured replica never falls back to private locks.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{addr: cfg.Addr, rdb: rdb}, nil
}

// Ping backs the "redis" entry of the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.addr, err)
	}
	return nil
}

// Close releases the pool on shutdown.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the driver to the lock, oracle, bus and limiter
// constructors in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
