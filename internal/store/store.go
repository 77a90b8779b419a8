// ============================================================================
// transcodeq State-Store Client
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Thin typed wrapper over the Redis client. Components never touch
// raw connection handling; they receive a *Client and use its Redis handle
// plus the helpers below.
//
// The wrapper normalizes the two commands whose raw shapes vary between
// client flavors:
//   - PopMin: single-member ZPOPMIN, returned as (member, ok).
//   - PopSetMember: single-member SPOP, returned as (member, ok).
// Everything else goes straight through go-redis; multi-key writes that
// must land together are batched on one Pipeliner.
//
// ============================================================================

package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fleetcode/transcodeq/internal/config"
)

// Client wraps the shared state-store connection.
type Client struct {
	rdb redis.UniversalClient
}

// Open connects to the state store described by cfg and verifies the
// connection with a ping.
func Open(ctx context.Context, cfg config.Store) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse state store url: %w", err)
	}
	if cfg.Token != "" {
		opts.Password = cfg.Token
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.MaxRetries = cfg.MaxRetries

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to state store: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests running
// against miniredis.
func NewWithClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying client for direct command access.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Pipeline starts a multi-command batch executed in one round trip.
func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// PopMin atomically removes and returns the smallest-score member of a
// sorted set. ok is false when the set is empty.
func (c *Client) PopMin(ctx context.Context, key string) (member string, ok bool, err error) {
	zs, err := c.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("zpopmin %s: %w", key, err)
	}
	if len(zs) == 0 {
		return "", false, nil
	}
	member, _ = zs[0].Member.(string)
	return member, member != "", nil
}

// PopSetMember atomically removes and returns one arbitrary member of a
// set. ok is false when the set is empty.
func (c *Client) PopSetMember(ctx context.Context, key string) (member string, ok bool, err error) {
	member, err = c.rdb.SPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("spop %s: %w", key, err)
	}
	return member, true, nil
}

// Ping checks state-store liveness.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping state store: %w", err)
	}
	return nil
}

// Echo round-trips a message through the store, verifying reads as well as
// connectivity.
func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	out, err := c.rdb.Echo(ctx, msg).Result()
	if err != nil {
		return "", fmt.Errorf("echo: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
