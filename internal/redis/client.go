package redis

import (
	"context"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsync_redis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Client bundles the go-redis client with a redsync instance sharing its pool.
type Client struct {
	Client *redis.Client
	Lock   *redsync.Redsync
}

func NewClient(ctx context.Context, addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("REDIS_URL not defined")
	}
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse REDIS_URL")
		}
		opts = parsed
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 5
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}

	return Wrap(client), nil
}

// Wrap builds a Client around an existing go-redis client.
func Wrap(client *redis.Client) *Client {
	pool := redsync_redis.NewPool(client)
	return &Client{
		Client: client,
		Lock:   redsync.New(pool),
	}
}

func (c *Client) Close() error {
	return c.Client.Close()
}
