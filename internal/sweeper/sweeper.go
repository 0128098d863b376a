package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"campusrun/internal/domain"
	"campusrun/pkg/backoff"
)

// DeadlineIndex lists tasks whose pending offer was issued at or before a
// cutoff time, plus tasks stuck in a given status.
type DeadlineIndex interface {
	OffersIssuedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	TasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
}

// Expirer escalates a task whose offer outlived the decision window and
// re-runs assignment for tasks a previous attempt left unassigned.
type Expirer interface {
	CheckExpiry(ctx context.Context, taskID string) (*domain.Task, error)
	Assign(ctx context.Context, taskID string) (*domain.Task, error)
}

// Sweeper periodically escalates expired offers. The engine's lazy checks on
// accept/decline remain authoritative; the sweep only bounds how long an
// expired offer can linger when nobody touches the task.
type Sweeper struct {
	Index    DeadlineIndex
	Engine   Expirer
	Window   time.Duration
	Interval time.Duration

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Now func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := s.sweep(ctx); err != nil {
			failures++
			delay := backoff.ExponentialJitter(s.BaseBackoff, s.MaxBackoff, failures)
			log.Ctx(ctx).Error().Err(err).Dur("backoff", delay).Msg("sweep failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.Window)
	ids, err := s.Index.OffersIssuedBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, id := range ids {
		t, err := s.Engine.CheckExpiry(ctx, id)
		switch {
		case errors.Is(err, domain.ErrConflict):
			// Another process already moved the task on.
			continue
		case errors.Is(err, domain.ErrTaskNotFound):
			continue
		case err != nil:
			return err
		}
		log.Ctx(ctx).Info().
			Str("task", id).
			Str("status", string(t.Status)).
			Msg("expired offer swept")
	}

	return s.retryStuck(ctx)
}

// retryStuck re-runs assignment for tasks a crashed or failed earlier attempt
// left in pending. Assign is idempotent, so racing the create path is safe.
func (s *Sweeper) retryStuck(ctx context.Context) error {
	cutoff := s.now().Add(-s.Interval)
	stuck, err := s.Index.TasksByStatus(ctx, domain.StatusPending)
	if err != nil {
		return err
	}
	for _, t := range stuck {
		if t.CreatedAt.After(cutoff) {
			// Give the create path its chance first.
			continue
		}
		if _, err := s.Engine.Assign(ctx, t.ID); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTaskNotFound) {
				continue
			}
			return err
		}
		log.Ctx(ctx).Info().Str("task", t.ID).Msg("stuck pending task reassigned")
	}
	return nil
}
