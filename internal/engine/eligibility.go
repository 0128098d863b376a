package engine

import (
	"time"

	"campusrun/internal/domain"
	"campusrun/pkg/geo"
)

// EligibilityFilter applies the hard gates that decide whether a runner may be
// offered a task at all. Every gate is pass/fail; nothing here affects rank.
type EligibilityFilter struct {
	ServiceRadiusMeters float64
	LocationFreshness   time.Duration
}

// Eligible returns the runners that are online, have a fresh location, are
// within the service radius of the task's origin, and have not already
// declined the task. A task without an origin location yields an empty set.
func (f EligibilityFilter) Eligible(task *domain.Task, runners []*domain.Runner, now time.Time) []*domain.Runner {
	if task.Origin == nil {
		return nil
	}

	out := make([]*domain.Runner, 0, len(runners))
	for _, r := range runners {
		if !r.Online {
			continue
		}
		if !r.LocationFresh(now, f.LocationFreshness) {
			continue
		}
		if task.HasDeclined(r.ID) {
			continue
		}
		d := geo.Distance(r.Location.Lat, r.Location.Lon, task.Origin.Lat, task.Origin.Lon)
		if d > f.ServiceRadiusMeters {
			continue
		}
		out = append(out, r)
	}
	return out
}
