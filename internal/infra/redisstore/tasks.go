package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"campusrun/internal/domain"
	"campusrun/internal/ports"
)

var _ ports.TaskStore = (*Client)(nil)

// taskFields flattens a task into the hash stored at task:{id}.
func taskFields(t *domain.Task) map[string]any {
	m := map[string]any{
		"title":         t.Title,
		"status":        string(t.Status),
		"assigned_rnr":  t.AssignedRunner,
		"assigned_at":   unixMilliOrZero(t.AssignedAt),
		"escalations":   t.Escalations,
		"cancel_reason": string(t.CancelReason),
		"created_at":    unixMilliOrZero(t.CreatedAt),
	}
	cats, _ := json.Marshal(t.Categories)
	m["categories"] = string(cats)
	decl, _ := json.Marshal(t.DeclinedRunners)
	m["declined"] = string(decl)
	if t.Origin != nil {
		origin, _ := json.Marshal(t.Origin)
		m["origin"] = string(origin)
	} else {
		m["origin"] = ""
	}
	return m
}

func decodeTask(id string, h map[string]string) (*domain.Task, error) {
	t := &domain.Task{
		ID:             id,
		Title:          h["title"],
		Status:         domain.TaskStatus(h["status"]),
		AssignedRunner: h["assigned_rnr"],
		CancelReason:   domain.CancelReason(h["cancel_reason"]),
	}
	if v := h["categories"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Categories); err != nil {
			return nil, fmt.Errorf("task %s: bad categories field: %w", id, err)
		}
	}
	if v := h["declined"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.DeclinedRunners); err != nil {
			return nil, fmt.Errorf("task %s: bad declined field: %w", id, err)
		}
	}
	if v := h["origin"]; v != "" {
		var loc domain.Location
		if err := json.Unmarshal([]byte(v), &loc); err != nil {
			return nil, fmt.Errorf("task %s: bad origin field: %w", id, err)
		}
		t.Origin = &loc
	}
	t.AssignedAt = timeFromMilliField(h["assigned_at"])
	t.CreatedAt = timeFromMilliField(h["created_at"])
	if v := h["escalations"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("task %s: bad escalations field: %w", id, err)
		}
		t.Escalations = n
	}
	return t, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilliField(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CreateTask persists a freshly posted task in status pending. Used by the
// caller-facing surface, not by the engine.
func (c *Client) CreateTask(ctx context.Context, t *domain.Task) error {
	_, err := c.Rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(t.ID), taskFields(t))
		pipe.SAdd(ctx, statusKey(string(t.Status)), t.ID)
		return nil
	})
	return err
}

func (c *Client) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	h, err := c.Rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.ErrTaskNotFound
	}
	return decodeTask(id, h)
}

func (c *Client) TasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	ids, err := c.Rdb.SMembers(ctx, statusKey(string(status))).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := c.GetTask(ctx, id)
		if errors.Is(err, domain.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SwapAssignment updates the task's assignment state iff the persisted
// (status, assigned_runner) pair still matches expect. Optimistic locking via
// WATCH: a concurrent write between the read and the MULTI aborts the
// transaction and surfaces as domain.ErrConflict.
func (c *Client) SwapAssignment(ctx context.Context, taskID string, expect, next ports.AssignmentState) error {
	key := taskKey(taskID)

	err := c.Rdb.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "assigned_rnr").Result()
		if err != nil {
			return err
		}
		cur, ok := vals[0].(string)
		if !ok || cur == "" {
			return domain.ErrTaskNotFound
		}
		curRunner, _ := vals[1].(string)
		if domain.TaskStatus(cur) != expect.Status || curRunner != expect.AssignedRunner {
			return domain.ErrConflict
		}

		decl, _ := json.Marshal(next.DeclinedRunners)
		fields := map[string]any{
			"status":        string(next.Status),
			"assigned_rnr":  next.AssignedRunner,
			"assigned_at":   unixMilliOrZero(next.AssignedAt),
			"declined":      string(decl),
			"escalations":   next.Escalations,
			"cancel_reason": string(next.CancelReason),
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if next.Status != expect.Status {
				pipe.SRem(ctx, statusKey(string(expect.Status)), taskID)
				pipe.SAdd(ctx, statusKey(string(next.Status)), taskID)
			}
			// The sweeper scans this ZSET for offers whose decision window
			// has elapsed; the score is the offer's issue time.
			if next.Status == domain.StatusOfferPending {
				pipe.ZAdd(ctx, c.Cfg.DeadlineZSet, redis.Z{
					Score:  float64(next.AssignedAt.UnixMilli()),
					Member: taskID,
				})
			} else {
				pipe.ZRem(ctx, c.Cfg.DeadlineZSet, taskID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConflict
	}
	return err
}

// OffersIssuedBefore returns ids of tasks whose pending offer was issued at
// or before cutoff. The sweeper turns these into expiry checks.
func (c *Client) OffersIssuedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return c.Rdb.ZRangeByScore(ctx, c.Cfg.DeadlineZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: 128,
	}).Result()
}

// CompleteTask moves an accepted task to completed and credits the assigned
// runner's per-category completion counts, which feed future affinity
// ranking.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (*domain.Task, error) {
	key := taskKey(taskID)
	var t *domain.Task

	err := c.Rdb.Watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			return domain.ErrTaskNotFound
		}
		t, err = decodeTask(taskID, h)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusAccepted && t.Status != domain.StatusInProgress {
			return domain.ErrTaskClosed
		}

		prev := t.Status
		t.Status = domain.StatusCompleted
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(domain.StatusCompleted))
			pipe.SRem(ctx, statusKey(string(prev)), taskID)
			pipe.SAdd(ctx, statusKey(string(domain.StatusCompleted)), taskID)
			for _, cat := range t.Categories {
				pipe.HIncrBy(ctx, completedKey(t.AssignedRunner), cat, 1)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
