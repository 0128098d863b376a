package ports

import (
	"context"
	"time"

	"campusrun/internal/domain"
)

// AssignmentState is the slice of a task record guarded by compare-and-set.
// All writes to assigned_runner go through SwapAssignment; the expected state
// is what the writer last read, so two concurrent escalations for one task
// cannot both commit.
type AssignmentState struct {
	Status          domain.TaskStatus
	AssignedRunner  string
	AssignedAt      time.Time
	DeclinedRunners []string
	Escalations     int
	CancelReason    domain.CancelReason
}

// TaskStore is the persistence collaborator for task records. The engine
// consumes it; it never implements storage itself.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	// TasksByStatus lists tasks currently in the given status.
	TasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
	// SwapAssignment atomically replaces the task's assignment state, but
	// only if the persisted (status, assigned_runner) still match expect.
	// Returns domain.ErrConflict otherwise.
	SwapAssignment(ctx context.Context, taskID string, expect, next AssignmentState) error
}

// RunnerDirectory is the identity/location collaborator. Read-only.
type RunnerDirectory interface {
	Runner(ctx context.Context, id string) (*domain.Runner, error)
	// OnlineRunners returns the current candidate pool.
	OnlineRunners(ctx context.Context) ([]*domain.Runner, error)
	// CompletedByCategory returns the runner's lifetime completed-task count
	// per category, derived from historical task records.
	CompletedByCategory(ctx context.Context, runnerID string) (map[string]int, error)
}

// DispatchStatus is the set of outcomes the delivery collaborator reports.
type DispatchStatus string

const (
	DispatchAssigned        DispatchStatus = "assigned"
	DispatchAlreadyAssigned DispatchStatus = "already_assigned"
	DispatchNoEligible      DispatchStatus = "no_eligible_runners"
	DispatchNoneInRange     DispatchStatus = "no_runners_within_distance"
	DispatchNoRunner        DispatchStatus = "no_runner_to_assign"
)

// Success reports whether the status counts as a delivered offer.
func (s DispatchStatus) Success() bool {
	return s == DispatchAssigned || s == DispatchAlreadyAssigned
}

// Cancellation reports whether the status means the dispatch call itself
// resolved the task as unassignable. The engine translates these into a
// cancelled task, not into an error.
func (s DispatchStatus) Cancellation() bool {
	switch s {
	case DispatchNoEligible, DispatchNoneInRange, DispatchNoRunner:
		return true
	}
	return false
}

// OfferNotifier delivers an assignment offer to a runner.
type OfferNotifier interface {
	Offer(ctx context.Context, taskID, runnerID string) (DispatchStatus, error)
}

// CallerNotifier tells the task poster's side about the terminal outcome of
// the assignment: accepted, or cancelled with a reason.
type CallerNotifier interface {
	TaskResolved(ctx context.Context, task *domain.Task) error
}
