package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"campusrun/internal/domain"
	"campusrun/internal/ports"
)

// Dispatcher delivers an assignment offer through the notification
// collaborator. One transient failure is retried after a fixed delay; a second
// failure is reported to the engine, which rolls the assignment back.
type Dispatcher struct {
	Notifier   ports.OfferNotifier
	Store      ports.TaskStore
	RetryDelay time.Duration
}

func (d Dispatcher) recognized(s ports.DispatchStatus) bool {
	return s.Success() || s.Cancellation()
}

// Dispatch notifies the runner and verifies the persisted outcome.
//
// A returned cancellation status means the dispatch call itself resolved the
// task as unassignable; the caller translates it into a cancelled task. On a
// success status the task is re-read and must show the intended runner
// assigned, otherwise domain.ErrVerificationFailed is returned: the write
// appeared to succeed but the invariant did not hold.
func (d Dispatcher) Dispatch(ctx context.Context, task *domain.Task, runnerID string) (ports.DispatchStatus, error) {
	status, err := d.Notifier.Offer(ctx, task.ID, runnerID)
	if err != nil || !d.recognized(status) {
		log.Ctx(ctx).Warn().
			Str("task", task.ID).
			Str("runner", runnerID).
			Err(err).
			Str("status", string(status)).
			Msg("offer dispatch failed, retrying once")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.RetryDelay):
		}

		status, err = d.Notifier.Offer(ctx, task.ID, runnerID)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrDispatchFailed, err)
		}
		if !d.recognized(status) {
			return "", fmt.Errorf("%w: unrecognized status %q", domain.ErrDispatchFailed, status)
		}
	}

	if status.Cancellation() {
		return status, nil
	}

	// Reported success: the persisted assignment must actually hold.
	persisted, err := d.Store.GetTask(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("%w: re-read after dispatch: %w", domain.ErrVerificationFailed, err)
	}
	if persisted.AssignedRunner != runnerID {
		return "", fmt.Errorf("%w: task %s assigned to %q, expected %q",
			domain.ErrVerificationFailed, task.ID, persisted.AssignedRunner, runnerID)
	}
	return status, nil
}
