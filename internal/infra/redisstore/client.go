package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"campusrun/internal/config"
)

// Client wraps the Redis connection behind the task store, runner directory
// and stream notifier adapters.
type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

func taskKey(id string) string      { return "task:" + id }
func runnerKey(id string) string    { return "runner:" + id }
func completedKey(id string) string { return "runner:" + id + ":completed" }
func statusKey(status string) string {
	return "tasks:status:" + status
}

const runnersSetKey = "runners"
