package domain

import "time"

// Runner is a read-only view of a task-taker; the identity/location service
// owns the record, the engine only consumes it.
type Runner struct {
	ID         string    `json:"id"`
	Online     bool      `json:"online"`
	Location   *Location `json:"location,omitempty"`
	LocationAt time.Time `json:"location_at,omitzero"`
}

// LocationFresh reports whether the runner's last position report is recent
// enough to match against. A stale location is a hard gate, not a ranking
// penalty.
func (r *Runner) LocationFresh(now time.Time, window time.Duration) bool {
	if r.Location == nil || r.LocationAt.IsZero() {
		return false
	}
	return now.Sub(r.LocationAt) <= window
}
