package redisstore

import (
	"context"
	"strconv"

	"campusrun/internal/domain"
	"campusrun/internal/ports"
)

var _ ports.RunnerDirectory = (*Client)(nil)

func runnerFields(r *domain.Runner) map[string]any {
	m := map[string]any{
		"online":      boolField(r.Online),
		"location_at": unixMilliOrZero(r.LocationAt),
	}
	if r.Location != nil {
		m["lat"] = strconv.FormatFloat(r.Location.Lat, 'f', -1, 64)
		m["lon"] = strconv.FormatFloat(r.Location.Lon, 'f', -1, 64)
	} else {
		m["lat"] = ""
		m["lon"] = ""
	}
	return m
}

func decodeRunner(id string, h map[string]string) *domain.Runner {
	r := &domain.Runner{
		ID:         id,
		Online:     h["online"] == "1",
		LocationAt: timeFromMilliField(h["location_at"]),
	}
	if h["lat"] != "" && h["lon"] != "" {
		lat, errLat := strconv.ParseFloat(h["lat"], 64)
		lon, errLon := strconv.ParseFloat(h["lon"], 64)
		if errLat == nil && errLon == nil {
			r.Location = &domain.Location{Lat: lat, Lon: lon}
		}
	}
	return r
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// UpsertRunner records a runner heartbeat: online flag plus latest location.
// Owned by the identity/location surface; the engine only reads runners.
func (c *Client) UpsertRunner(ctx context.Context, r *domain.Runner) error {
	if err := c.Rdb.HSet(ctx, runnerKey(r.ID), runnerFields(r)).Err(); err != nil {
		return err
	}
	return c.Rdb.SAdd(ctx, runnersSetKey, r.ID).Err()
}

func (c *Client) Runner(ctx context.Context, id string) (*domain.Runner, error) {
	h, err := c.Rdb.HGetAll(ctx, runnerKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.ErrRunnerNotFound
	}
	return decodeRunner(id, h), nil
}

func (c *Client) OnlineRunners(ctx context.Context) ([]*domain.Runner, error) {
	ids, err := c.Rdb.SMembers(ctx, runnersSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Runner, 0, len(ids))
	for _, id := range ids {
		h, err := c.Rdb.HGetAll(ctx, runnerKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		r := decodeRunner(id, h)
		if r.Online {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Client) CompletedByCategory(ctx context.Context, runnerID string) (map[string]int, error) {
	h, err := c.Rdb.HGetAll(ctx, completedKey(runnerID)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(h))
	for cat, v := range h {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		counts[cat] = n
	}
	return counts, nil
}
