package engine

import (
	"context"
	"fmt"
	"sort"

	"campusrun/internal/domain"
	"campusrun/internal/ports"
	"campusrun/pkg/geo"
)

// Candidate is an eligible runner scored for one task.
type Candidate struct {
	Runner         *domain.Runner
	Affinity       int
	DistanceMeters float64
}

// RankingPolicy orders eligible runners: affinity with the task's categories
// descending, then distance to the origin ascending, then runner id ascending
// as the final deterministic tie-break.
type RankingPolicy struct {
	Directory ports.RunnerDirectory
}

// Rank scores and orders the eligible set. Affinity counts are read per call
// from the directory; no aggregate is cached between calls.
func (p RankingPolicy) Rank(ctx context.Context, task *domain.Task, eligible []*domain.Runner) ([]Candidate, error) {
	cands := make([]Candidate, 0, len(eligible))
	for _, r := range eligible {
		c := Candidate{
			Runner:         r,
			DistanceMeters: geo.Distance(r.Location.Lat, r.Location.Lon, task.Origin.Lat, task.Origin.Lon),
		}
		if len(task.Categories) > 0 {
			counts, err := p.Directory.CompletedByCategory(ctx, r.ID)
			if err != nil {
				return nil, fmt.Errorf("affinity counts for runner %s: %w", r.ID, err)
			}
			for _, cat := range task.Categories {
				c.Affinity += counts[cat]
			}
		}
		cands = append(cands, c)
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Affinity != cands[j].Affinity {
			return cands[i].Affinity > cands[j].Affinity
		}
		if cands[i].DistanceMeters != cands[j].DistanceMeters {
			return cands[i].DistanceMeters < cands[j].DistanceMeters
		}
		return cands[i].Runner.ID < cands[j].Runner.ID
	})
	return cands, nil
}
