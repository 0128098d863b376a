package domain

import "time"

type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusOfferPending TaskStatus = "offer_pending"
	StatusAccepted     TaskStatus = "accepted"
	StatusInProgress   TaskStatus = "in_progress"
	StatusCompleted    TaskStatus = "completed"
	StatusCancelled    TaskStatus = "cancelled"
)

// CancelReason distinguishes engine-driven cancellation from a caller
// cancelling their own task.
type CancelReason string

const (
	CancelNone             CancelReason = ""
	CancelNoOriginLocation CancelReason = "no_origin_location"
	CancelNoEligibleRunner CancelReason = "no_eligible_runners"
	CancelByCaller         CancelReason = "cancelled_by_caller"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Task struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Categories      []string     `json:"categories"`
	Origin          *Location    `json:"origin,omitempty"`
	Status          TaskStatus   `json:"status"`
	AssignedRunner  string       `json:"assigned_runner,omitempty"`
	AssignedAt      time.Time    `json:"assigned_at,omitzero"`
	DeclinedRunners []string     `json:"declined_runners,omitempty"`
	Escalations     int          `json:"escalations"`
	CancelReason    CancelReason `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// HasDeclined reports whether the runner already turned this task down.
// A declined runner is never offered the same task again.
func (t *Task) HasDeclined(runnerID string) bool {
	for _, id := range t.DeclinedRunners {
		if id == runnerID {
			return true
		}
	}
	return false
}

// OfferExpired reports whether the pending offer has outlived the decision
// window. Only meaningful while Status is StatusOfferPending.
func (t *Task) OfferExpired(now time.Time, window time.Duration) bool {
	if t.Status != StatusOfferPending || t.AssignedAt.IsZero() {
		return false
	}
	return now.Sub(t.AssignedAt) >= window
}

// Terminal reports whether the assignment engine is done with this task.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
