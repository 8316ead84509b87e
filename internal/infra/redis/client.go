package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for cached session state.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "autofollow"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) sessionKey(account string) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, account)
}

// GetSession returns the cached state for an account. found is false when
// nothing is cached.
func (c *Client) GetSession(ctx context.Context, account string) (state []byte, found bool, err error) {
	val, err := c.rdb.Get(ctx, c.sessionKey(account)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}
	return val, true, nil
}

// SetSession stores the state for an account. ttl 0 keeps it forever.
func (c *Client) SetSession(ctx context.Context, account string, state []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.sessionKey(account), state, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// DeleteSession drops the cached state for an account.
func (c *Client) DeleteSession(ctx context.Context, account string) error {
	return c.rdb.Del(ctx, c.sessionKey(account)).Err()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
