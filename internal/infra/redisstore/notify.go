package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"campusrun/internal/domain"
	"campusrun/internal/ports"
)

var (
	_ ports.OfferNotifier  = (*Client)(nil)
	_ ports.CallerNotifier = (*Client)(nil)
)

// Offer publishes the assignment offer onto the offers stream. Push/realtime
// delivery to the runner's device is a downstream consumer of this stream and
// stays outside this repo.
func (c *Client) Offer(ctx context.Context, taskID, runnerID string) (ports.DispatchStatus, error) {
	err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.OfferStreamKey,
		Values: map[string]any{
			"task_id":   taskID,
			"runner_id": runnerID,
		},
	}).Err()
	if err != nil {
		return "", err
	}
	return ports.DispatchAssigned, nil
}

// TaskResolved publishes the terminal assignment outcome for the
// caller-facing surface: accepted by a runner, or cancelled with a reason.
func (c *Client) TaskResolved(ctx context.Context, t *domain.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.EventStreamKey,
		Values: map[string]any{"task": b},
	}).Err()
}
