// Package cache wraps go-redis with the snapshot get/set/health surface the
// market data layer needs: JSON-encoded values, a default TTL, and a hit/miss
// counter exposed through HitRate.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradecore/execengine/pkg/observability"
)

// Config configures the Redis connection.
type Config struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	DefaultTTL   time.Duration
}

// Client wraps redis.Client with JSON snapshot helpers and hit/miss counters.
type Client struct {
	*redis.Client
	logger     *observability.Logger
	defaultTTL time.Duration
	hits       int64
	misses     int64
}

// New dials Redis and verifies connectivity with a ping.
func New(cfg Config, logger *observability.Logger) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.MinIdleConns = 5
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Second
	}

	logger.Info(ctx, "market data cache connected", map[string]interface{}{
		"pool_size":   opt.PoolSize,
		"default_ttl": defaultTTL.String(),
	})

	return &Client{Client: client, logger: logger, defaultTTL: defaultTTL}, nil
}

// SetJSON marshals value and stores it under key with the given TTL (or the
// client's default TTL when ttl <= 0).
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl).Err()
}

// GetJSON fetches key and unmarshals it into dest. Returns redis.Nil on miss
// (counted) so callers can branch with errors.Is(err, redis.Nil).
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			atomic.AddInt64(&c.misses, 1)
		}
		return err
	}
	atomic.AddInt64(&c.hits, 1)
	return json.Unmarshal(data, dest)
}

// HitRate returns the running cache hit ratio in [0,1].
func (c *Client) HitRate() float64 {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Health pings Redis with a bounded timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Ping(ctx).Err()
}
