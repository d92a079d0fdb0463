// Package redis implements the low-latency cache tier in front of the
// durable checkpoint store. Entries expire by TTL; no explicit
// invalidation path exists because the durable store is always consulted
// on miss.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/convograph/statekit/checkpoint"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "statekit"
)

type Cache struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Cache)

func WithPassword(password string) Option {
	return func(c *Cache) {
		c.password = password
	}
}

func WithDB(db int) Option {
	return func(c *Cache) {
		c.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		if strings.TrimSpace(prefix) != "" {
			c.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Cache, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	c := &Cache{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = goredis.NewClient(&goredis.Options{
			Addr:     c.addr,
			Password: c.password,
			DB:       c.db,
		})
	}

	if err := c.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return c, nil
}

func (c *Cache) ReadLatest(ctx context.Context, threadID, namespace string) (checkpoint.Checkpoint, error) {
	if threadID == "" {
		return checkpoint.Checkpoint{}, fmt.Errorf("thread_id is required")
	}

	raw, err := c.client.Get(ctx, c.latestKey(threadID, namespace)).Result()
	if err != nil {
		if err == goredis.Nil {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to read cached checkpoint: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		// A cache entry that fails to decode is treated as a miss.
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

func (c *Cache) WriteLatest(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("thread_id and checkpoint_id are required")
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal cached checkpoint: %w", err)
	}
	if err := c.client.Set(ctx, c.latestKey(cp.ThreadID, cp.Namespace), string(raw), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cached checkpoint: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) latestKey(threadID, namespace string) string {
	return fmt.Sprintf("%s:ckpt:latest:%s:%s", c.prefix, threadID, namespace)
}
